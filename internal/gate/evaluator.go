package gate

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/runbook"
)

type Outcome string

const (
	OutcomeAllow    Outcome = "allow"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeApproval Outcome = "approval-required"
)

// GateName identifies which gate produced a decision.
type GateName string

const (
	GateAutonomy    GateName = "autonomy"
	GateAssetClass  GateName = "asset-class"
	GateBlastRadius GateName = "blast-radius"
	GateCooldown    GateName = "cooldown"
	GateNone        GateName = "none"
)

// Request describes one planned action awaiting a gate decision.
type Request struct {
	IncidentID    string
	ActionIndex   int
	ActionName    string
	Kind          runbook.ActionKind
	Risk          runbook.RiskClass
	Target        string
	CriticalAsset bool
	// Compensating marks rollback actions, which restore pre-action state and
	// are allowed at every level.
	Compensating bool
}

// Decision is the recorded outcome of evaluating a Request.
type Decision struct {
	IncidentID    string             `json:"incident_id"`
	ActionIndex   int                `json:"action_index"`
	ActionName    string             `json:"action"`
	Kind          runbook.ActionKind `json:"kind"`
	Target        string             `json:"target"`
	Outcome       Outcome            `json:"outcome"`
	Gate          GateName           `json:"gate"`
	Reason        string             `json:"reason"`
	KillSwitch    bool               `json:"kill_switch,omitempty"`
	Level         Level              `json:"level"`
	RequiredRoles []string           `json:"required_roles,omitempty"`
	RequiredCount int                `json:"required_count,omitempty"`
	Escalatable   bool               `json:"escalatable,omitempty"`
	Compensating  bool               `json:"compensating,omitempty"`
	Grant         bool               `json:"grant,omitempty"`
	DecidedAt     time.Time          `json:"decided_at"`

	Reservation *Reservation `json:"-"`
}

// Config holds the tunable gate limits.
type Config struct {
	BlastRadiusCeiling int
	EscalateOnExceed   bool
	Cooldown           time.Duration
	Policy             ApprovalPolicy
}

// Evaluator applies the safety gates in fixed order: autonomy, asset-class,
// blast-radius, cooldown. The first gate that does not pass decides.
type Evaluator struct {
	ctl      *Controller
	ledger   *Ledger
	policy   ApprovalPolicy
	escalate bool
	critical func(string) bool
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Evaluator)

// WithClock replaces the evaluator and ledger clock.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
		e.ledger.now = now
	}
}

// WithCriticalAssets sets the predicate used when a request's CriticalAsset
// flag has not been resolved by the caller.
func WithCriticalAssets(fn func(string) bool) Option {
	return func(e *Evaluator) { e.critical = fn }
}

func NewEvaluator(ctl *Controller, cfg Config, logger zerolog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		ctl:      ctl,
		ledger:   NewLedger(cfg.BlastRadiusCeiling, cfg.Cooldown),
		policy:   cfg.Policy,
		escalate: cfg.EscalateOnExceed,
		critical: func(string) bool { return false },
		logger:   logger.With().Str("component", "gates").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Evaluator) Ledger() *Ledger         { return e.ledger }
func (e *Evaluator) Controller() *Controller { return e.ctl }

// Reconfigure applies new limits from a config reload.
func (e *Evaluator) Reconfigure(cfg Config) {
	e.ledger.SetLimits(cfg.BlastRadiusCeiling, cfg.Cooldown)
	e.ledger.mu.Lock()
	e.policy = cfg.Policy
	e.escalate = cfg.EscalateOnExceed
	e.ledger.mu.Unlock()
}

func (e *Evaluator) settings() (ApprovalPolicy, bool) {
	e.ledger.mu.Lock()
	defer e.ledger.mu.Unlock()
	return e.policy, e.escalate
}

func (e *Evaluator) base(req Request) Decision {
	return Decision{
		IncidentID:   req.IncidentID,
		ActionIndex:  req.ActionIndex,
		ActionName:   req.ActionName,
		Kind:         req.Kind,
		Target:       req.Target,
		Compensating: req.Compensating,
		Level:        e.ctl.Effective(),
		DecidedAt:    e.now(),
	}
}

func (e *Evaluator) isCritical(req Request) bool {
	return req.CriticalAsset || e.critical(req.Target)
}

// Evaluate decides whether an action may run now. An allow decision carries a
// reservation that must later be committed or released.
func (e *Evaluator) Evaluate(req Request) Decision {
	d := e.base(req)
	policy, escalate := e.settings()
	if req.Compensating {
		d.Outcome, d.Gate = OutcomeAllow, GateNone
		d.Reason = "compensating action restores pre-action state"
		e.log(d)
		return d
	}
	critical := e.isCritical(req)
	approval := func(gate GateName, reason string) Decision {
		rule := policy.For(req.Risk, critical)
		d.Outcome, d.Gate, d.Reason = OutcomeApproval, gate, reason
		d.RequiredRoles, d.RequiredCount = rule.Roles, rule.Count
		return d
	}

	// 1. autonomy
	if blocked, ok := e.autonomyBlock(&d, req); ok {
		e.log(blocked)
		return blocked
	}
	if d.Level == L3 {
		d = approval(GateAutonomy, "autonomy L3 requires quorum for every action")
		e.log(d)
		return d
	}
	if req.Risk == runbook.RiskWriteCritical {
		d = approval(GateAutonomy, "write-critical actions require quorum")
		e.log(d)
		return d
	}

	// 2. asset-class
	if critical && req.Kind.Disruptive() {
		d = approval(GateAssetClass, fmt.Sprintf("%s is disruptive and %s is a critical asset", req.Kind, req.Target))
		e.log(d)
		return d
	}

	// 3 and 4, then reserve.
	r := e.ledger.reserve(req, false)
	switch {
	case r.res != nil:
		d.Outcome, d.Gate, d.Reason = OutcomeAllow, GateNone, "all gates passed"
		d.Reservation = r.res
	case r.gate == GateBlastRadius && escalate:
		d = approval(GateBlastRadius, r.reason+"; escalated for override")
		d.Escalatable = true
	default:
		d.Outcome, d.Gate, d.Reason, d.Escalatable = OutcomeBlocked, r.gate, r.reason, r.escalatable
	}
	e.log(d)
	return d
}

// autonomyBlock returns a blocked decision when the autonomy level forbids
// the request outright.
func (e *Evaluator) autonomyBlock(d *Decision, req Request) (Decision, bool) {
	out := *d
	out.Outcome, out.Gate = OutcomeBlocked, GateAutonomy
	switch {
	case e.ctl.KillSwitchEngaged():
		out.KillSwitch = true
		out.Level = L0
		out.Reason = "kill-switch engaged: autonomy forced to L0"
	case d.Level == L0:
		out.Reason = "autonomy L0 (shadow): no actions execute"
	case d.Level == L1 && req.Risk.Write():
		out.Reason = fmt.Sprintf("autonomy L1 permits read-only actions only (%s is %s)", req.Kind, req.Risk)
	default:
		return Decision{}, false
	}
	return out, true
}

// Grant re-checks an approved request before it runs. Quorum satisfies the
// autonomy and asset-class gates, and the blast-radius gate only when that
// gate asked for the approval. The kill-switch and cooldown always apply.
func (e *Evaluator) Grant(req Request, prior Decision) Decision {
	d := e.base(req)
	d.Grant = true
	if blocked, ok := e.autonomyBlock(&d, req); ok {
		blocked.Grant = true
		e.log(blocked)
		return blocked
	}
	r := e.ledger.reserve(req, prior.Gate == GateBlastRadius)
	if r.res == nil {
		d.Outcome, d.Gate, d.Reason = OutcomeBlocked, r.gate, r.reason+" (after approval)"
		d.Escalatable = r.escalatable
		e.log(d)
		return d
	}
	d.Outcome, d.Gate, d.Reason = OutcomeAllow, GateNone, "approved; re-check passed"
	d.Reservation = r.res
	e.log(d)
	return d
}

// Commit finishes an allowed action. Success starts the cooldown window.
func (e *Evaluator) Commit(d Decision, success bool) { e.ledger.Commit(d.Reservation, success) }

// Release drops the decision's blast-radius hold, e.g. after a rollback.
func (e *Evaluator) Release(d Decision) { e.ledger.Release(d.Reservation) }

func (e *Evaluator) ReleaseIncident(incidentID string) int {
	return e.ledger.ReleaseIncident(incidentID)
}

func (e *Evaluator) log(d Decision) {
	ev := e.logger.Debug()
	if d.Outcome != OutcomeAllow {
		ev = e.logger.Info()
	}
	ev.Str("incident_id", d.IncidentID).
		Str("action", d.ActionName).
		Str("target", d.Target).
		Str("outcome", string(d.Outcome)).
		Str("gate", string(d.Gate)).
		Str("level", d.Level.String()).
		Bool("kill_switch", d.KillSwitch).
		Msg(d.Reason)
}
