package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/incident"
	"github.com/1sec-project/warden/internal/store"
)

// Store keeps everything in process memory. State is lost on exit.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident
	records   []audit.Record
	ids       map[string]bool
	approvals map[string]*approval.Request
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		ids:       make(map[string]bool),
		approvals: make(map[string]*approval.Request),
	}
}

func (s *Store) SaveIncident(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

func (s *Store) GetIncident(_ context.Context, id string) (*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, store.ErrNotFound)
	}
	return inc.Clone(), nil
}

// ListIncidents returns matching incidents, newest first.
func (s *Store) ListIncidents(_ context.Context, f incident.Filter) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if f.Matches(inc) {
			out = append(out, inc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	for i, inc := range out {
		out[i] = inc.Clone()
	}
	return out, nil
}

func (s *Store) AppendAudit(_ context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids[r.ID] {
		return fmt.Errorf("audit record %s: %w", r.ID, store.ErrDuplicate)
	}
	if n := len(s.records); n > 0 && r.Seq <= s.records[n-1].Seq {
		return fmt.Errorf("audit record %s: sequence %d not after %d: %w", r.ID, r.Seq, s.records[n-1].Seq, store.ErrDuplicate)
	}
	s.ids[r.ID] = true
	s.records = append(s.records, r)
	return nil
}

func (s *Store) LastAudit(context.Context) (*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	r := s.records[len(s.records)-1]
	return &r, nil
}

func (s *Store) AuditTrail(_ context.Context, incidentID string) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Record
	for _, r := range s.records {
		if r.IncidentID == incidentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) AuditRange(_ context.Context, afterSeq int64, limit int) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.records), func(i int) bool { return s.records[i].Seq > afterSeq })
	end := len(s.records)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	return append([]audit.Record(nil), s.records[i:end]...), nil
}

func (s *Store) SaveApproval(_ context.Context, r *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[r.ID] = r.Clone()
	return nil
}

func (s *Store) ListApprovals(_ context.Context, state approval.State) ([]*approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*approval.Request
	for _, r := range s.approvals {
		if state == "" || r.State == state {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Close() error { return nil }
