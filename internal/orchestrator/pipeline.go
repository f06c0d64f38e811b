package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/gate"
	"github.com/1sec-project/warden/internal/incident"
	"github.com/1sec-project/warden/internal/runbook"
)

// run carries one incident through the decision graph. It is confined to the
// goroutine driving the incident.
type run struct {
	o      *Orchestrator
	cfg    Config
	inc    *incident.Incident
	rb     *runbook.Runbook
	logger zerolog.Logger

	// specs[i] is the runbook action behind inc.Actions[i]; compSpecs does the
	// same for inc.Compensations.
	specs     []runbook.ActionSpec
	compSpecs []runbook.ActionSpec

	acted bool
}

func (o *Orchestrator) drive(ctx context.Context, inc *incident.Incident) {
	o.d.Metrics.IncidentStarted()
	defer o.d.Metrics.IncidentFinished()

	r := &run{
		o:   o,
		cfg: o.config(),
		inc: inc,
		logger: o.logger.With().
			Str("incident_id", inc.ID).
			Str("correlation_id", inc.CorrelationID).
			Logger(),
	}
	err := r.steps(ctx)
	switch {
	case err != nil && !inc.Stage.Terminal():
		r.fail(ctx, err.Error())
	case err != nil:
		r.persistenceFailed(ctx, err)
	}
	r.finish(ctx)
}

func (r *run) steps(ctx context.Context) error {
	inc := r.inc
	if err := r.record(ctx, audit.Record{
		Kind: audit.KindClassification,
		Message: fmt.Sprintf("classified as %s (severity %s, confidence %.2f, mitre %s)",
			inc.Type, inc.Severity, inc.Confidence, strings.Join(inc.Techniques, ",")),
	}); err != nil {
		return err
	}
	if err := r.advance(ctx, incident.StageClassify, "detection accepted from "+orDash(inc.Event.Source)); err != nil {
		return err
	}
	if inc.Type == incident.TypeUnclassified || inc.LowConfidence {
		reason := inc.ManualReason
		if reason == "" {
			reason = "classification requires analyst review"
		}
		return r.advance(ctx, incident.StageManualReview, reason)
	}

	if err := r.advance(ctx, incident.StageRunbookSelect, "classified as "+inc.Type); err != nil {
		return err
	}
	rb, ok := r.o.d.Runbooks.Lookup(inc.RunbookID)
	if !ok {
		return r.advance(ctx, incident.StageManualReview, fmt.Sprintf("no runbook registered for %q", inc.RunbookID))
	}
	held, pred, err := rb.CheckPreconditions(inc.PredicateEnv())
	switch {
	case err != nil:
		return r.advance(ctx, incident.StageManualReview, fmt.Sprintf("runbook %s precondition %q failed to evaluate: %v", rb.ID, pred, err))
	case !held:
		return r.advance(ctx, incident.StageManualReview, fmt.Sprintf("runbook %s precondition not met: %s", rb.ID, pred))
	}
	r.rb = rb
	if err := r.mutate(func(i *incident.Incident) { i.RunbookVersion = rb.Version }); err != nil {
		return err
	}

	if err := r.advance(ctx, incident.StagePlan, fmt.Sprintf("selected runbook %s v%s", rb.ID, rb.Version)); err != nil {
		return err
	}
	if err := r.plan(); err != nil {
		return err
	}
	if len(inc.Actions) == 0 {
		return r.advance(ctx, incident.StageManualReview, "runbook produced no actionable steps for this incident")
	}

	if err := r.advance(ctx, incident.StageGate, fmt.Sprintf("%d actions planned", len(inc.Actions))); err != nil {
		return err
	}
	if err := r.gateAll(ctx); err != nil {
		return err
	}

	if err := r.advance(ctx, incident.StageExecute, r.gateSummary()); err != nil {
		return err
	}
	if err := r.executeAll(ctx); err != nil {
		return err
	}

	if err := r.advance(ctx, incident.StageVerify, r.executeSummary()); err != nil {
		return err
	}
	failed, err := r.verifyAll(ctx)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return r.advance(ctx, incident.StageClose, r.closeSummary())
	}

	if err := r.advance(ctx, incident.StageRollback, fmt.Sprintf("%d actions failed execution or verification", len(failed))); err != nil {
		return err
	}
	if err := r.planRollback(ctx, failed); err != nil {
		return err
	}
	if err := r.advance(ctx, incident.StageGate, fmt.Sprintf("%d compensating actions planned", len(inc.Compensations))); err != nil {
		return err
	}
	if err := r.gateCompensations(ctx); err != nil {
		return err
	}
	if err := r.advance(ctx, incident.StageExecute, "running compensating actions"); err != nil {
		return err
	}
	if err := r.executeCompensations(ctx); err != nil {
		return err
	}
	if err := r.advance(ctx, incident.StageVerify, "verifying compensating actions"); err != nil {
		return err
	}
	if err := r.verifyCompensations(ctx); err != nil {
		return err
	}

	var broken []string
	for _, idx := range failed {
		if pa := inc.Actions[idx]; pa.Status != incident.ActionRolledBack {
			broken = append(broken, pa.Name+"@"+pa.Target)
		}
	}
	if len(broken) > 0 {
		return r.advance(ctx, incident.StageFailed, "rollback failed for "+strings.Join(broken, ", "))
	}
	return r.advance(ctx, incident.StageClose, fmt.Sprintf("rolled back %d actions", len(failed)))
}

// advance takes a graph edge, audits it and persists the incident. Leaving
// for a non-terminal stage requires a live context.
func (r *run) advance(ctx context.Context, to incident.Stage, reason string) error {
	if !to.Terminal() && ctx.Err() != nil {
		return fmt.Errorf("interrupted before %s: %w", to, context.Cause(ctx))
	}
	from := r.inc.Stage
	if err := r.inc.Advance(to, reason, r.o.now()); err != nil {
		return err
	}
	ev := r.logger.Info()
	if to == incident.StageFailed {
		ev = r.logger.Error()
	}
	ev.Str("from", from.String()).Str("to", to.String()).Msg(reason)

	err := r.record(ctx, audit.Record{
		Kind:    audit.KindStageTransition,
		Message: fmt.Sprintf("%s -> %s: %s", from, to, reason),
	})
	if perr := r.o.publish(ctx, r.inc); perr != nil && err == nil {
		err = perr
	}
	return err
}

// persistenceFailed leaves a trace of a store failure the incident can no
// longer act on, e.g. when saving its terminal stage failed.
func (r *run) persistenceFailed(ctx context.Context, err error) {
	if rerr := r.record(ctx, audit.Record{
		Kind:    audit.KindPersistence,
		Message: fmt.Sprintf("incident record not persisted at %s: %v", r.inc.Stage, err),
	}); rerr != nil {
		r.logger.Error().Err(rerr).AnErr("cause", err).Msg("could not audit persistence failure")
	}
}

// record appends an audit record for the incident at its current stage.
func (r *run) record(ctx context.Context, rec audit.Record) error {
	rec.IncidentID = r.inc.ID
	rec.CorrelationID = r.inc.CorrelationID
	if rec.Stage == "" {
		rec.Stage = r.inc.Stage.String()
	}
	if _, err := r.o.d.Audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

func (r *run) mutate(fn func(*incident.Incident)) error {
	return r.inc.Update(r.o.now(), fn)
}

func (r *run) fail(ctx context.Context, reason string) {
	if err := r.advance(ctx, incident.StageFailed, reason); err != nil {
		r.logger.Error().Err(err).Str("reason", reason).Msg("could not record incident failure")
	}
}

// finish releases what the incident still holds in the gate ledger.
func (r *run) finish(ctx context.Context) {
	gates := r.o.d.Gates
	for i := range r.inc.Actions {
		pa := &r.inc.Actions[i]
		if d, ok := pa.Decision(); ok && pa.Status == incident.ActionAllowed {
			gates.Release(d)
		}
	}
	if r.cfg.ReleaseOnClose {
		if n := gates.ReleaseIncident(r.inc.ID); n > 0 {
			r.logger.Debug().Int("targets", n).Msg("blast-radius holds released")
		}
	}
	r.o.d.Metrics.IncidentDone(r.inc.Type, r.inc.Stage.String())
	if err := r.o.publish(ctx, r.inc); err != nil {
		r.persistenceFailed(ctx, err)
	}
}

// plan binds each runbook action to the incident's concrete targets.
func (r *run) plan() error {
	return r.mutate(func(inc *incident.Incident) {
		for _, spec := range r.rb.Actions {
			targets := r.targets(spec.Target)
			if len(targets) == 0 {
				inc.Unresolved = append(inc.Unresolved, incident.Unresolved{
					Action: spec.Name,
					Reason: fmt.Sprintf("incident has no %s to target", spec.Target),
				})
				continue
			}
			for _, t := range targets {
				inc.Actions = append(inc.Actions, incident.PlannedAction{
					Index:         len(inc.Actions),
					Name:          spec.Name,
					Kind:          spec.Kind,
					Risk:          spec.Risk,
					Target:        t,
					CriticalAsset: r.o.d.Critical(t),
					Compensates:   -1,
					Status:        incident.ActionPlanned,
				})
				r.specs = append(r.specs, spec)
			}
		}
	})
}

func (r *run) targets(rule runbook.TargetRule) []string {
	inc := r.inc
	switch rule {
	case runbook.TargetHosts:
		return append([]string(nil), inc.Targets...)
	case runbook.TargetSource:
		if inc.Source != "" {
			return []string{inc.Source}
		}
	case runbook.TargetUser:
		if inc.User != "" {
			return []string{inc.User}
		}
	case runbook.TargetIncident:
		return []string{inc.ID}
	}
	return nil
}

func (r *run) gateRequest(pa *incident.PlannedAction, compensating bool) gate.Request {
	return gate.Request{
		IncidentID:    r.inc.ID,
		ActionIndex:   pa.Index,
		ActionName:    pa.Name,
		Kind:          pa.Kind,
		Risk:          pa.Risk,
		Target:        pa.Target,
		CriticalAsset: pa.CriticalAsset,
		Compensating:  compensating,
	}
}

// decide records a gate decision on the action and in the audit log.
func (r *run) decide(ctx context.Context, pa *incident.PlannedAction, d gate.Decision) error {
	if err := r.mutate(func(*incident.Incident) {
		pa.Decisions = append(pa.Decisions, d)
		switch d.Outcome {
		case gate.OutcomeAllow:
			pa.Status = incident.ActionAllowed
		case gate.OutcomeApproval:
			pa.Status = incident.ActionAwaitingApproval
		default:
			pa.Status = incident.ActionBlocked
		}
	}); err != nil {
		return err
	}
	r.o.d.Metrics.GateDecision(string(d.Outcome), string(d.Gate))
	return r.record(ctx, audit.Record{
		Kind:      audit.KindGateDecision,
		Decisions: []gate.Decision{d},
		Message:   fmt.Sprintf("%s %s on %s: %s (%s)", d.Outcome, pa.Name, pa.Target, d.Reason, d.Gate),
	})
}

func (r *run) gateAll(ctx context.Context) error {
	for i := range r.inc.Actions {
		pa := &r.inc.Actions[i]
		d := r.o.d.Gates.Evaluate(r.gateRequest(pa, false))
		if err := r.decide(ctx, pa, d); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) gateSummary() string {
	var allow, approve, blocked int
	for _, pa := range r.inc.Actions {
		switch pa.Status {
		case incident.ActionAllowed:
			allow++
		case incident.ActionAwaitingApproval:
			approve++
		case incident.ActionBlocked:
			blocked++
		}
	}
	return fmt.Sprintf("%d allowed, %d awaiting approval, %d blocked", allow, approve, blocked)
}

func (r *run) executeSummary() string {
	var executed, failed int
	for _, pa := range r.inc.Actions {
		switch pa.Status {
		case incident.ActionExecuted:
			executed++
		case incident.ActionFailed:
			failed++
		}
	}
	return fmt.Sprintf("%d executed, %d failed, %d unresolved", executed, failed, len(r.inc.Unresolved))
}

func (r *run) closeSummary() string {
	verified := 0
	for _, pa := range r.inc.Actions {
		if pa.Status == incident.ActionVerified {
			verified++
		}
	}
	if len(r.inc.Unresolved) == 0 {
		return fmt.Sprintf("%d actions verified", verified)
	}
	return fmt.Sprintf("%d actions verified, %d left for analyst follow-up", verified, len(r.inc.Unresolved))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
