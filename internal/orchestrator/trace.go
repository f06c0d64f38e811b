package orchestrator

import (
	"context"
	"fmt"

	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/gate"
	"github.com/1sec-project/warden/internal/incident"
)

// ActionTrace summarizes one action for the explain interface.
type ActionTrace struct {
	Index        int                       `json:"index"`
	Name         string                    `json:"name"`
	Kind         string                    `json:"kind"`
	Target       string                    `json:"target"`
	Status       incident.ActionStatus     `json:"status"`
	Compensating bool                      `json:"compensating,omitempty"`
	ApprovalID   string                    `json:"approval_id,omitempty"`
	Result       *incident.ExecutionResult `json:"result,omitempty"`
	Verification *incident.Verification    `json:"verification,omitempty"`
	Rollback     *incident.RollbackRecord  `json:"rollback,omitempty"`
}

// Trace explains what happened to an incident and why.
type Trace struct {
	IncidentID    string                `json:"incident_id"`
	CorrelationID string                `json:"correlation_id"`
	Type          string                `json:"type"`
	Severity      incident.Severity     `json:"severity"`
	Confidence    float64               `json:"confidence"`
	LowConfidence bool                  `json:"low_confidence"`
	Techniques    []string              `json:"mitre"`
	RunbookID     string                `json:"runbook_id"`
	Stage         incident.Stage        `json:"stage"`
	Stages        []string              `json:"stages"`
	History       []incident.Transition `json:"history"`
	Decisions     []gate.Decision       `json:"gate_decisions"`
	Executed      []ActionTrace         `json:"actions_executed"`
	Blocked       []ActionTrace         `json:"actions_blocked"`
	Compensations []ActionTrace         `json:"compensations,omitempty"`
	Approvals     []*approval.Request   `json:"approvals,omitempty"`
	Unresolved    []incident.Unresolved `json:"unresolved,omitempty"`
	ManualReason  string                `json:"manual_reason,omitempty"`
	FailureReason string                `json:"failure_reason,omitempty"`
	Audit         []audit.Record        `json:"audit"`
}

func actionTrace(pa incident.PlannedAction, compensating bool) ActionTrace {
	return ActionTrace{
		Index:        pa.Index,
		Name:         pa.Name,
		Kind:         string(pa.Kind),
		Target:       pa.Target,
		Status:       pa.Status,
		Compensating: compensating,
		ApprovalID:   pa.ApprovalID,
		Result:       pa.Result,
		Verification: pa.Verification,
		Rollback:     pa.Rollback,
	}
}

// Trace assembles the explain view of an incident from its snapshot, the
// approval manager and the audit log.
func (o *Orchestrator) Trace(ctx context.Context, id string) (*Trace, error) {
	inc, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := o.d.Audit.Trail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading audit trail: %w", err)
	}

	t := &Trace{
		IncidentID:    inc.ID,
		CorrelationID: inc.CorrelationID,
		Type:          inc.Type,
		Severity:      inc.Severity,
		Confidence:    inc.Confidence,
		LowConfidence: inc.LowConfidence,
		Techniques:    inc.Techniques,
		RunbookID:     inc.RunbookID,
		Stage:         inc.Stage,
		History:       inc.History,
		Unresolved:    inc.Unresolved,
		ManualReason:  inc.ManualReason,
		FailureReason: inc.FailureReason,
		Audit:         records,
		Decisions:     []gate.Decision{},
		Executed:      []ActionTrace{},
		Blocked:       []ActionTrace{},
	}
	for _, s := range inc.Visited() {
		t.Stages = append(t.Stages, s.String())
	}
	for _, pa := range inc.Actions {
		t.Decisions = append(t.Decisions, pa.Decisions...)
		if pa.Status.Attempted() {
			t.Executed = append(t.Executed, actionTrace(pa, false))
		} else if pa.Status == incident.ActionBlocked {
			t.Blocked = append(t.Blocked, actionTrace(pa, false))
		}
		if pa.ApprovalID != "" {
			if req, ok := o.d.Approvals.Get(pa.ApprovalID); ok {
				t.Approvals = append(t.Approvals, req)
			}
		}
	}
	for _, cp := range inc.Compensations {
		t.Decisions = append(t.Decisions, cp.Decisions...)
		t.Compensations = append(t.Compensations, actionTrace(cp, true))
	}
	return t, nil
}
