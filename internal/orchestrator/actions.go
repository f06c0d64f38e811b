package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/1sec-project/warden/internal/adapter"
	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/gate"
	"github.com/1sec-project/warden/internal/incident"
	"github.com/1sec-project/warden/internal/runbook"
)

var defaultPostcondition = runbook.MustPredicate(runbook.DefaultPostcondition)

func (r *run) request(pa *incident.PlannedAction, spec runbook.ActionSpec, compensating bool) adapter.Request {
	return adapter.Request{
		IncidentID:    r.inc.ID,
		CorrelationID: r.inc.CorrelationID,
		Action:        pa.Name,
		Kind:          pa.Kind,
		Target:        pa.Target,
		Params:        spec.Params,
		Compensating:  compensating,
	}
}

// block leaves the action for an analyst and records why.
func (r *run) block(ctx context.Context, pa *incident.PlannedAction, reason string) error {
	if err := r.mutate(func(inc *incident.Incident) {
		pa.Status = incident.ActionBlocked
		inc.Unresolved = append(inc.Unresolved, incident.Unresolved{Action: pa.Name, Target: pa.Target, Reason: reason})
	}); err != nil {
		return err
	}
	r.o.d.Metrics.Action(string(incident.ActionBlocked))
	return r.record(ctx, audit.Record{
		Kind: audit.KindActionBlocked,
		Action: &audit.ActionOutcome{
			Index:  pa.Index,
			Name:   pa.Name,
			Kind:   pa.Kind,
			Target: pa.Target,
			Status: string(incident.ActionBlocked),
		},
		Message: fmt.Sprintf("%s on %s not executed: %s", pa.Name, pa.Target, reason),
	})
}

// executeAll runs the planned actions in order. After the first execution
// failure the remaining actions are skipped and rollback takes over.
func (r *run) executeAll(ctx context.Context) error {
	gates := r.o.d.Gates
	stopped := ""
	for i := range r.inc.Actions {
		pa := &r.inc.Actions[i]
		spec := r.specs[i]
		d, _ := pa.Decision()

		pending := pa.Status == incident.ActionAllowed || pa.Status == incident.ActionAwaitingApproval
		if pending && gates.Controller().KillSwitchEngaged() {
			gates.Release(d)
			kd := gates.Evaluate(r.gateRequest(pa, false))
			if err := r.decide(ctx, pa, kd); err != nil {
				return err
			}
			if err := r.block(ctx, pa, kd.Reason); err != nil {
				return err
			}
			continue
		}
		if pending && stopped != "" {
			gates.Release(d)
			if err := r.block(ctx, pa, "skipped: "+stopped); err != nil {
				return err
			}
			continue
		}

		switch pa.Status {
		case incident.ActionBlocked:
			if err := r.block(ctx, pa, d.Reason); err != nil {
				return err
			}
			continue
		case incident.ActionAwaitingApproval:
			granted, reason, err := r.awaitApproval(ctx, pa, d)
			if err != nil {
				return err
			}
			if reason != "" {
				if err := r.block(ctx, pa, reason); err != nil {
					return err
				}
				continue
			}
			d = granted
		}

		ok, err := r.runAction(ctx, pa, spec, d, false)
		if err != nil {
			return err
		}
		if !ok {
			stopped = fmt.Sprintf("%s on %s failed", pa.Name, pa.Target)
		}
	}
	return nil
}

// awaitApproval submits the action for quorum, waits, and re-checks the
// gates once approved. A non-empty reason means the action must not run.
func (r *run) awaitApproval(ctx context.Context, pa *incident.PlannedAction, prior gate.Decision) (gate.Decision, string, error) {
	req, err := r.o.d.Approvals.Submit(ctx, approval.Spec{
		IncidentID:    r.inc.ID,
		CorrelationID: r.inc.CorrelationID,
		ActionIndex:   pa.Index,
		ActionName:    pa.Name,
		Kind:          pa.Kind,
		Target:        pa.Target,
		Risk:          pa.Risk,
		Gate:          prior.Gate,
		Reason:        prior.Reason,
		Roles:         prior.RequiredRoles,
		Count:         prior.RequiredCount,
	})
	if err != nil {
		return gate.Decision{}, fmt.Sprintf("approval request failed: %v", err), nil
	}
	if err := r.mutate(func(*incident.Incident) { pa.ApprovalID = req.ID }); err != nil {
		return gate.Decision{}, "", err
	}
	if err := r.record(ctx, audit.Record{
		Kind: audit.KindApproval,
		Message: fmt.Sprintf("approval %s requested for %s on %s: %d approvers from %v",
			req.ID, pa.Name, pa.Target, req.RequiredCount, req.RequiredRoles),
	}); err != nil {
		return gate.Decision{}, "", err
	}
	if err := r.o.publish(ctx, r.inc); err != nil {
		return gate.Decision{}, "", err
	}

	final := req
	if req.State == approval.StatePending {
		waitCtx, stop := r.o.d.Gates.Controller().Bind(ctx)
		final, err = r.o.d.Approvals.Await(waitCtx, req.ID)
		interrupted := err != nil && gate.Interrupted(waitCtx)
		stop()
		if interrupted {
			return r.killApproval(ctx, pa, prior, req.ID)
		}
		if err != nil {
			return gate.Decision{}, fmt.Sprintf("approval %s not resolved: %v", req.ID, err), nil
		}
	}
	if err := r.record(ctx, audit.Record{
		Kind:    audit.KindApproval,
		Actor:   final.DecidedBy,
		Message: fmt.Sprintf("approval %s %s: %s", final.ID, final.State, final.Resolution),
	}); err != nil {
		return gate.Decision{}, "", err
	}
	if final.State != approval.StateApproved {
		return gate.Decision{}, fmt.Sprintf("approval %s: %s", final.State, final.Resolution), nil
	}

	d := r.o.d.Gates.Grant(r.gateRequest(pa, false), prior)
	if err := r.decide(ctx, pa, d); err != nil {
		return gate.Decision{}, "", err
	}
	if d.Outcome != gate.OutcomeAllow {
		return gate.Decision{}, d.Reason, nil
	}
	return d, "", nil
}

// killApproval ends an approval wait cut short by the kill-switch: the
// request is expired and the action recorded as blocked by the switch.
func (r *run) killApproval(ctx context.Context, pa *incident.PlannedAction, prior gate.Decision, id string) (gate.Decision, string, error) {
	final, err := r.o.d.Approvals.Cancel(id, "kill-switch engaged while awaiting approval")
	if err != nil {
		// Resolved concurrently; the switch still wins.
		if got, ok := r.o.d.Approvals.Get(id); ok {
			final = got
		}
	}
	if final != nil {
		if err := r.record(ctx, audit.Record{
			Kind:    audit.KindApproval,
			Actor:   final.DecidedBy,
			Message: fmt.Sprintf("approval %s %s: %s", final.ID, final.State, final.Resolution),
		}); err != nil {
			return gate.Decision{}, "", err
		}
	}
	r.o.d.Gates.Release(prior)
	kd := r.o.d.Gates.Evaluate(r.gateRequest(pa, false))
	if err := r.decide(ctx, pa, kd); err != nil {
		return gate.Decision{}, "", err
	}
	return gate.Decision{}, kd.Reason, nil
}

// runAction executes one action under its timeout. Forward actions are bound
// to the kill-switch; compensating actions are retried once after a backoff.
// ok reports whether the adapter succeeded; err is an audit failure.
func (r *run) runAction(ctx context.Context, pa *incident.PlannedAction, spec runbook.ActionSpec, d gate.Decision, compensating bool) (ok bool, err error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.cfg.ActionTimeout
	}
	req := r.request(pa, spec, compensating)

	attempt := func() (adapter.Result, bool, error) {
		actx, stop := ctx, func() {}
		if !compensating {
			actx, stop = r.o.d.Gates.Controller().Bind(ctx)
		}
		defer stop()
		actx, cancel := context.WithTimeout(actx, timeout)
		defer cancel()
		res, err := r.o.d.Executor.Execute(actx, req)
		return res, gate.Interrupted(actx), err
	}

	start := r.o.now()
	res, killed, execErr := attempt()
	attempts := 1
	if execErr != nil && compensating && ctx.Err() == nil {
		r.logger.Warn().Err(execErr).Str("action", pa.Name).Str("target", pa.Target).Msg("compensating action failed, retrying once")
		if r.cfg.RollbackBackoff > 0 {
			t := time.NewTimer(r.cfg.RollbackBackoff)
			select {
			case <-t.C:
			case <-ctx.Done():
			}
			t.Stop()
		}
		res, killed, execErr = attempt()
		attempts++
	}
	elapsed := r.o.now().Sub(start)

	if !compensating {
		r.o.d.Gates.Commit(d, execErr == nil)
	}

	result := &incident.ExecutionResult{
		Details:    res.Message,
		StartedAt:  start,
		DurationMs: elapsed.Milliseconds(),
		Attempts:   attempts,
	}
	status := incident.ActionExecuted
	if execErr != nil {
		status = incident.ActionFailed
		result.Error = execErr.Error()
		if killed {
			result.Error = "interrupted by kill-switch: " + result.Error
		}
	}
	if err := r.mutate(func(*incident.Incident) {
		pa.Result = result
		pa.Status = status
	}); err != nil {
		return false, err
	}

	log := r.logger.Info()
	if execErr != nil {
		log = r.logger.Error().Err(execErr)
	}
	log.Str("action", pa.Name).
		Str("kind", string(pa.Kind)).
		Str("target", pa.Target).
		Bool("compensating", compensating).
		Int("attempts", attempts).
		Dur("duration", elapsed).
		Msg("action " + string(status))

	r.o.d.Metrics.Action(string(status))
	if execErr == nil && !compensating && !r.acted {
		r.acted = true
		r.o.d.Metrics.FirstAction(r.o.now().Sub(r.inc.CreatedAt))
	}

	kind := audit.KindActionExecuted
	if compensating {
		kind = audit.KindRollback
	}
	msg := fmt.Sprintf("%s %s on %s", pa.Name, status, pa.Target)
	if execErr != nil {
		msg += ": " + result.Error
	}
	if err := r.record(ctx, audit.Record{
		Kind: kind,
		Action: &audit.ActionOutcome{
			Index:        pa.Index,
			Name:         pa.Name,
			Kind:         pa.Kind,
			Target:       pa.Target,
			Status:       string(status),
			Compensating: compensating,
			Attempts:     attempts,
			DurationMs:   result.DurationMs,
			Error:        result.Error,
			Details:      res.Details,
		},
		Message: msg,
	}); err != nil {
		return false, err
	}
	return execErr == nil, nil
}

// check probes the adapter and evaluates the action's postcondition.
func (r *run) check(ctx context.Context, pa *incident.PlannedAction, spec runbook.ActionSpec, compensating bool) *incident.Verification {
	pred := spec.Postcondition
	if pred == nil {
		pred = defaultPostcondition
	}
	v := &incident.Verification{Predicate: pred.String(), At: r.o.now()}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ActionTimeout)
	defer cancel()
	state, err := r.o.d.Executor.Probe(pctx, r.request(pa, spec, compensating))
	if err != nil {
		v.Error = "probe failed: " + err.Error()
		return v
	}
	v.State = map[string]any(state)
	passed, err := pred.Eval(map[string]any{
		"state":  map[string]any(state),
		"target": pa.Target,
		"kind":   string(pa.Kind),
	})
	if err != nil {
		v.Error = err.Error()
		return v
	}
	v.Passed = passed
	return v
}

func (r *run) recordVerification(ctx context.Context, pa *incident.PlannedAction, v *incident.Verification) error {
	msg := fmt.Sprintf("postcondition of %s on %s held", pa.Name, pa.Target)
	if !v.Passed {
		msg = fmt.Sprintf("postcondition of %s on %s failed", pa.Name, pa.Target)
		if v.Error != "" {
			msg += ": " + v.Error
		}
	}
	return r.record(ctx, audit.Record{
		Kind: audit.KindVerification,
		Verification: &audit.VerificationOutcome{
			Action:    pa.Name,
			Target:    pa.Target,
			Passed:    v.Passed,
			Predicate: v.Predicate,
			Error:     v.Error,
		},
		Message: msg,
	})
}

// verifyAll checks every executed action and returns the indexes of actions
// that need a rollback: failed postconditions and failed executions.
func (r *run) verifyAll(ctx context.Context) ([]int, error) {
	var failed []int
	for i := range r.inc.Actions {
		pa := &r.inc.Actions[i]
		switch pa.Status {
		case incident.ActionFailed:
			failed = append(failed, i)
			continue
		case incident.ActionExecuted:
		default:
			continue
		}
		v := r.check(ctx, pa, r.specs[i], false)
		if err := r.mutate(func(*incident.Incident) {
			pa.Verification = v
			if v.Passed {
				pa.Status = incident.ActionVerified
			}
		}); err != nil {
			return nil, err
		}
		if !v.Passed {
			r.o.d.Metrics.PostconditionFailed()
			failed = append(failed, i)
		}
		if err := r.recordVerification(ctx, pa, v); err != nil {
			return nil, err
		}
	}
	return failed, nil
}

// settleRollback records the single rollback attempt for an action.
func (r *run) settleRollback(ctx context.Context, pa *incident.PlannedAction, rec incident.RollbackRecord) error {
	rec.At = r.o.now()
	if err := r.mutate(func(*incident.Incident) {
		pa.Rollback = &rec
		if rec.Succeeded {
			pa.Status = incident.ActionRolledBack
		} else {
			pa.Status = incident.ActionRollbackFailed
		}
	}); err != nil {
		return err
	}
	if rec.Succeeded {
		if d, ok := pa.Decision(); ok {
			r.o.d.Gates.Release(d)
		}
	}
	r.o.d.Metrics.Action(string(pa.Status))
	return r.record(ctx, audit.Record{
		Kind: audit.KindRollback,
		Action: &audit.ActionOutcome{
			Index:    pa.Index,
			Name:     pa.Name,
			Kind:     pa.Kind,
			Target:   pa.Target,
			Status:   string(pa.Status),
			Attempts: rec.Attempts,
		},
		Message: fmt.Sprintf("rollback of %s on %s: %s", pa.Name, pa.Target, rec.Reason),
	})
}

// planRollback decides the compensation for each failed action. Read-only
// actions need none; write actions without a declared rollback fail here.
func (r *run) planRollback(ctx context.Context, failed []int) error {
	for _, idx := range failed {
		pa := &r.inc.Actions[idx]
		spec := r.specs[idx]
		if !pa.Risk.Write() {
			if err := r.settleRollback(ctx, pa, incident.RollbackRecord{
				Succeeded: true,
				Reason:    "read-only action: nothing to undo",
			}); err != nil {
				return err
			}
			continue
		}
		comp, ok := r.rb.RollbackFor(spec)
		if !ok {
			if err := r.settleRollback(ctx, pa, incident.RollbackRecord{
				Reason: "no rollback action declared",
			}); err != nil {
				return err
			}
			continue
		}
		if err := r.mutate(func(inc *incident.Incident) {
			inc.Compensations = append(inc.Compensations, incident.PlannedAction{
				Index:         len(inc.Compensations),
				Name:          comp.Name,
				Kind:          comp.Kind,
				Risk:          comp.Risk,
				Target:        pa.Target,
				CriticalAsset: pa.CriticalAsset,
				Compensates:   idx,
				Status:        incident.ActionPlanned,
			})
			r.compSpecs = append(r.compSpecs, comp)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) gateCompensations(ctx context.Context) error {
	for i := range r.inc.Compensations {
		cp := &r.inc.Compensations[i]
		d := r.o.d.Gates.Evaluate(r.gateRequest(cp, true))
		if err := r.decide(ctx, cp, d); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) executeCompensations(ctx context.Context) error {
	for i := range r.inc.Compensations {
		cp := &r.inc.Compensations[i]
		d, _ := cp.Decision()
		if cp.Status != incident.ActionAllowed {
			continue
		}
		if _, err := r.runAction(ctx, cp, r.compSpecs[i], d, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) verifyCompensations(ctx context.Context) error {
	for i := range r.inc.Compensations {
		cp := &r.inc.Compensations[i]
		orig := &r.inc.Actions[cp.Compensates]
		rec := incident.RollbackRecord{Action: cp.Name, Kind: cp.Kind}
		if cp.Result != nil {
			rec.Attempts = cp.Result.Attempts
		}

		switch cp.Status {
		case incident.ActionExecuted:
			v := r.check(ctx, cp, r.compSpecs[i], true)
			if err := r.mutate(func(*incident.Incident) {
				cp.Verification = v
				if v.Passed {
					cp.Status = incident.ActionVerified
				}
			}); err != nil {
				return err
			}
			if err := r.recordVerification(ctx, cp, v); err != nil {
				return err
			}
			rec.Succeeded = v.Passed
			rec.Reason = fmt.Sprintf("%s restored pre-action state", cp.Name)
			if !v.Passed {
				rec.Reason = fmt.Sprintf("%s ran but its postcondition failed", cp.Name)
			}
		case incident.ActionFailed:
			rec.Reason = fmt.Sprintf("%s failed: %s", cp.Name, cp.Result.Error)
		default:
			rec.Reason = fmt.Sprintf("%s was not executed", cp.Name)
		}
		if err := r.settleRollback(ctx, orig, rec); err != nil {
			return err
		}
	}
	return nil
}
