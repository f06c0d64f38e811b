package audit

import (
	"context"
	"time"

	"github.com/1sec-project/warden/internal/gate"
	"github.com/1sec-project/warden/internal/runbook"
)

// Kind classifies an audit record.
type Kind string

const (
	KindStageTransition Kind = "stage_transition"
	KindClassification  Kind = "classification"
	KindGateDecision    Kind = "gate_decision"
	KindApproval        Kind = "approval"
	KindActionExecuted  Kind = "action_executed"
	KindActionBlocked   Kind = "action_blocked"
	KindVerification    Kind = "verification"
	KindRollback        Kind = "rollback"
	KindAdmin           Kind = "admin"
	KindKillSwitch      Kind = "kill_switch"
	// KindPersistence marks an incident state the store failed to save.
	KindPersistence Kind = "persistence"
)

// ActionOutcome is what an adapter call produced.
type ActionOutcome struct {
	Index        int                `json:"index"`
	Name         string             `json:"name"`
	Kind         runbook.ActionKind `json:"kind"`
	Target       string             `json:"target"`
	Status       string             `json:"status"`
	Compensating bool               `json:"compensating,omitempty"`
	Attempts     int                `json:"attempts"`
	DurationMs   int64              `json:"duration_ms"`
	Error        string             `json:"error,omitempty"`
	Details      map[string]string  `json:"details,omitempty"`
}

// VerificationOutcome is the result of one postcondition check.
type VerificationOutcome struct {
	Action    string `json:"action"`
	Target    string `json:"target"`
	Passed    bool   `json:"passed"`
	Predicate string `json:"predicate"`
	Error     string `json:"error,omitempty"`
}

// Record is one entry of the append-only audit log. Records form a single
// sha256 chain across all incidents; Seq is assigned by the Log.
type Record struct {
	ID            string               `json:"id"`
	Seq           int64                `json:"seq"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	IncidentID    string               `json:"incident_id,omitempty"`
	Stage         string               `json:"stage,omitempty"`
	Kind          Kind                 `json:"kind"`
	Decisions     []gate.Decision      `json:"decisions,omitempty"`
	Action        *ActionOutcome       `json:"action,omitempty"`
	Verification  *VerificationOutcome `json:"verification,omitempty"`
	Actor         string               `json:"actor"`
	Message       string               `json:"message"`
	Timestamp     time.Time            `json:"timestamp"`
	PrevHash      string               `json:"prev_hash,omitempty"`
	Hash          string               `json:"hash"`
}

// Store is where records are kept. Implementations must reject updates and
// deletes of appended records.
type Store interface {
	AppendAudit(ctx context.Context, r Record) error
	LastAudit(ctx context.Context) (*Record, error)
	AuditTrail(ctx context.Context, incidentID string) ([]Record, error)
	AuditRange(ctx context.Context, afterSeq int64, limit int) ([]Record, error)
}

// Publisher fans records out to subscribers, e.g. the event bus.
type Publisher interface {
	PublishAudit(r Record)
}
