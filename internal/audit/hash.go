package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/1sec-project/warden/internal/runbook"
)

// KV is a sortable map entry.
type KV struct {
	K string `json:"k"`
	V string `json:"v"`
}

func sortedKVs(m map[string]string) []KV {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, KV{K: k, V: m[k]})
	}
	return out
}

type canonicalDecision struct {
	IncidentID    string             `json:"incident_id"`
	ActionIndex   int                `json:"action_index"`
	ActionName    string             `json:"action"`
	Kind          runbook.ActionKind `json:"kind"`
	Target        string             `json:"target"`
	Outcome       string             `json:"outcome"`
	Gate          string             `json:"gate"`
	Reason        string             `json:"reason"`
	KillSwitch    bool               `json:"kill_switch"`
	Level         string             `json:"level"`
	RequiredRoles []string           `json:"required_roles,omitempty"`
	RequiredCount int                `json:"required_count"`
	Escalatable   bool               `json:"escalatable"`
	Compensating  bool               `json:"compensating"`
	Grant         bool               `json:"grant"`
	AtUnixNano    int64              `json:"at_unix_nano"`
}

type canonicalAction struct {
	Index        int                `json:"index"`
	Name         string             `json:"name"`
	Kind         runbook.ActionKind `json:"kind"`
	Target       string             `json:"target"`
	Status       string             `json:"status"`
	Compensating bool               `json:"compensating"`
	Attempts     int                `json:"attempts"`
	DurationMs   int64              `json:"duration_ms"`
	Error        string             `json:"error,omitempty"`
	Details      []KV               `json:"details,omitempty"`
}

// hashPayload is exactly what gets hashed: no maps, no time.Time.
type hashPayload struct {
	ID            string               `json:"id"`
	Seq           int64                `json:"seq"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	IncidentID    string               `json:"incident_id,omitempty"`
	Stage         string               `json:"stage,omitempty"`
	Kind          Kind                 `json:"kind"`
	Decisions     []canonicalDecision  `json:"decisions,omitempty"`
	Action        *canonicalAction     `json:"action,omitempty"`
	Verification  *VerificationOutcome `json:"verification,omitempty"`
	Actor         string               `json:"actor"`
	Message       string               `json:"message"`
	AtUnixNano    int64                `json:"at_unix_nano"`
	PrevHash      string               `json:"prev_hash,omitempty"`
}

// ComputeHash returns the hex sha256 of r's canonical form. r.Hash is not
// part of the input.
func ComputeHash(r Record) (string, error) {
	p := hashPayload{
		ID:            r.ID,
		Seq:           r.Seq,
		CorrelationID: r.CorrelationID,
		IncidentID:    r.IncidentID,
		Stage:         r.Stage,
		Kind:          r.Kind,
		Verification:  r.Verification,
		Actor:         r.Actor,
		Message:       r.Message,
		AtUnixNano:    r.Timestamp.UnixNano(),
		PrevHash:      r.PrevHash,
	}
	for _, d := range r.Decisions {
		p.Decisions = append(p.Decisions, canonicalDecision{
			IncidentID:    d.IncidentID,
			ActionIndex:   d.ActionIndex,
			ActionName:    d.ActionName,
			Kind:          d.Kind,
			Target:        d.Target,
			Outcome:       string(d.Outcome),
			Gate:          string(d.Gate),
			Reason:        d.Reason,
			KillSwitch:    d.KillSwitch,
			Level:         d.Level.String(),
			RequiredRoles: d.RequiredRoles,
			RequiredCount: d.RequiredCount,
			Escalatable:   d.Escalatable,
			Compensating:  d.Compensating,
			Grant:         d.Grant,
			AtUnixNano:    d.DecidedAt.UnixNano(),
		})
	}
	if a := r.Action; a != nil {
		p.Action = &canonicalAction{
			Index:        a.Index,
			Name:         a.Name,
			Kind:         a.Kind,
			Target:       a.Target,
			Status:       a.Status,
			Compensating: a.Compensating,
			Attempts:     a.Attempts,
			DurationMs:   a.DurationMs,
			Error:        a.Error,
			Details:      sortedKVs(a.Details),
		}
	}

	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
