package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/incident"
	"github.com/1sec-project/warden/internal/store"
)

func TestIncidentsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	inc := &incident.Incident{ID: "a", Type: "malware", Stage: incident.StageExecute, CreatedAt: time.Now()}
	if err := s.SaveIncident(ctx, inc); err != nil {
		t.Fatal(err)
	}
	inc.Type = "mutated"
	got, err := s.GetIncident(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != "malware" {
		t.Errorf("store shares memory with caller: %s", got.Type)
	}
	if list, _ := s.ListIncidents(ctx, incident.Filter{Active: true}); len(list) != 1 {
		t.Errorf("active = %d", len(list))
	}
	if _, err := s.GetIncident(ctx, "b"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditRejectsReplay(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.AppendAudit(ctx, audit.Record{ID: "r1", Seq: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendAudit(ctx, audit.Record{ID: "r1", Seq: 2}); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate id accepted: %v", err)
	}
	if err := s.AppendAudit(ctx, audit.Record{ID: "r2", Seq: 1}); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("out-of-order seq accepted: %v", err)
	}
	page, _ := s.AuditRange(ctx, 0, 10)
	if len(page) != 1 {
		t.Errorf("range = %d", len(page))
	}
}
