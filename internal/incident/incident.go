package incident

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/1sec-project/warden/internal/gate"
	"github.com/1sec-project/warden/internal/runbook"
)

var (
	ErrIncidentClosed    = errors.New("incident is closed")
	ErrInvalidTransition = errors.New("invalid stage transition")
)

// NoRunbook is the runbook id of incidents that have nothing to execute.
const NoRunbook = "none"

// TypeUnclassified is assigned when no rule matches or the event is malformed.
const TypeUnclassified = "unclassified"

// Transition is one step of an incident's traversal history.
type Transition struct {
	From   Stage     `json:"from"`
	To     Stage     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// ActionStatus tracks a planned action through gate, execution and verification.
type ActionStatus string

const (
	ActionPlanned          ActionStatus = "planned"
	ActionAllowed          ActionStatus = "allowed"
	ActionAwaitingApproval ActionStatus = "awaiting_approval"
	ActionBlocked          ActionStatus = "blocked"
	ActionExecuted         ActionStatus = "executed"
	ActionFailed           ActionStatus = "failed"
	ActionVerified         ActionStatus = "verified"
	ActionRolledBack       ActionStatus = "rolled_back"
	ActionRollbackFailed   ActionStatus = "rollback_failed"
)

// Attempted reports whether the adapter was invoked for the action.
func (s ActionStatus) Attempted() bool {
	switch s {
	case ActionExecuted, ActionFailed, ActionVerified, ActionRolledBack, ActionRollbackFailed:
		return true
	}
	return false
}

type ExecutionResult struct {
	Details    string    `json:"details,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Attempts   int       `json:"attempts"`
}

type Verification struct {
	Passed    bool           `json:"passed"`
	Predicate string         `json:"predicate"`
	State     map[string]any `json:"state,omitempty"`
	Error     string         `json:"error,omitempty"`
	At        time.Time      `json:"at"`
}

// RollbackRecord is the single rollback attempt made for an action whose
// postcondition failed.
type RollbackRecord struct {
	Action    string             `json:"action,omitempty"`
	Kind      runbook.ActionKind `json:"kind,omitempty"`
	Succeeded bool               `json:"succeeded"`
	Attempts  int                `json:"attempts"`
	Reason    string             `json:"reason"`
	At        time.Time          `json:"at"`
}

// PlannedAction is one runbook action bound to a concrete target.
type PlannedAction struct {
	Index         int                `json:"index"`
	Name          string             `json:"name"`
	Kind          runbook.ActionKind `json:"kind"`
	Risk          runbook.RiskClass  `json:"risk"`
	Target        string             `json:"target"`
	CriticalAsset bool               `json:"critical_asset"`
	// Compensates is the index of the action a compensating action undoes, or -1.
	Compensates  int              `json:"compensates"`
	Status       ActionStatus     `json:"status"`
	Decisions    []gate.Decision  `json:"decisions,omitempty"`
	ApprovalID   string           `json:"approval_id,omitempty"`
	Result       *ExecutionResult `json:"result,omitempty"`
	Verification *Verification    `json:"verification,omitempty"`
	Rollback     *RollbackRecord  `json:"rollback,omitempty"`
}

// Decision returns the most recent gate decision for the action.
func (p *PlannedAction) Decision() (gate.Decision, bool) {
	if len(p.Decisions) == 0 {
		return gate.Decision{}, false
	}
	return p.Decisions[len(p.Decisions)-1], true
}

// Unresolved is an action left for human follow-up.
type Unresolved struct {
	Action string `json:"action"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// Incident is a classified detection and everything done about it. It is
// owned by a single orchestrator goroutine; readers get copies via Clone.
type Incident struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	EventID       string         `json:"event_id"`
	Event         DetectionEvent `json:"event"`

	Type          string   `json:"type"`
	Severity      Severity `json:"severity"`
	Confidence    float64  `json:"confidence"`
	LowConfidence bool     `json:"low_confidence"`
	Techniques    []string `json:"mitre"`
	Targets       []string `json:"targets"`
	Source        string   `json:"source,omitempty"`
	User          string   `json:"user,omitempty"`
	MatchedRule   string   `json:"matched_rule,omitempty"`

	RunbookID      string `json:"runbook_id"`
	RunbookVersion string `json:"runbook_version,omitempty"`

	Stage         Stage           `json:"stage"`
	History       []Transition    `json:"history"`
	Actions       []PlannedAction `json:"actions,omitempty"`
	Compensations []PlannedAction `json:"compensations,omitempty"`
	Unresolved    []Unresolved    `json:"unresolved,omitempty"`
	ManualReason  string          `json:"manual_reason,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Advance moves the incident along a decision-graph edge and records the
// transition. The rollback→gate edge may be taken once.
func (i *Incident) Advance(to Stage, reason string, at time.Time) error {
	if i.Stage.Terminal() {
		return ErrIncidentClosed
	}
	if !CanTransition(i.Stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Stage, to)
	}
	if i.Stage == StageVerify && to == StageRollback && i.RollbackCycles() > 0 {
		return fmt.Errorf("%w: rollback already attempted", ErrInvalidTransition)
	}
	i.History = append(i.History, Transition{From: i.Stage, To: to, At: at, Reason: reason})
	i.Stage = to
	i.UpdatedAt = at
	switch to {
	case StageManualReview:
		i.ManualReason = reason
	case StageFailed:
		i.FailureReason = reason
	}
	if to.Terminal() {
		closed := at
		i.ClosedAt = &closed
	}
	return nil
}

// Update applies fn unless the incident has reached a terminal stage.
func (i *Incident) Update(at time.Time, fn func(*Incident)) error {
	if i.Stage.Terminal() {
		return ErrIncidentClosed
	}
	fn(i)
	i.UpdatedAt = at
	return nil
}

// RollbackCycles counts rollback stages already entered.
func (i *Incident) RollbackCycles() int {
	n := 0
	for _, t := range i.History {
		if t.To == StageRollback {
			n++
		}
	}
	return n
}

// Visited returns the stages traversed, starting with intake.
func (i *Incident) Visited() []Stage {
	out := []Stage{StageIntake}
	for _, t := range i.History {
		out = append(out, t.To)
	}
	return out
}

// PredicateEnv is the environment runbook preconditions are evaluated in.
func (i *Incident) PredicateEnv() map[string]any {
	return map[string]any{
		"id":             i.ID,
		"type":           i.Type,
		"severity":       i.Severity.String(),
		"severity_level": int(i.Severity),
		"confidence":     i.Confidence,
		"low_confidence": i.LowConfidence,
		"techniques":     append([]string{}, i.Techniques...),
		"targets":        append([]string{}, i.Targets...),
		"source":         i.Source,
		"user":           i.User,
		"description":    i.Event.Description,
	}
}

// Clone returns a deep copy.
func (i *Incident) Clone() *Incident {
	data, err := json.Marshal(i)
	if err != nil {
		panic(fmt.Sprintf("incident clone: %v", err))
	}
	var out Incident
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("incident clone: %v", err))
	}
	return &out
}

// Filter selects incidents from a store.
type Filter struct {
	Stage     string
	Type      string
	Technique string
	// Active restricts the result to incidents not yet in a terminal stage.
	Active bool
	Limit  int
}

// Matches reports whether inc passes every set field of f except Limit.
func (f Filter) Matches(inc *Incident) bool {
	if f.Stage != "" && inc.Stage.String() != f.Stage {
		return false
	}
	if f.Type != "" && inc.Type != f.Type {
		return false
	}
	if f.Technique != "" && !slices.Contains(inc.Techniques, strings.ToUpper(f.Technique)) {
		return false
	}
	if f.Active && inc.Stage.Terminal() {
		return false
	}
	return true
}
