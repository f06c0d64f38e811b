package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/gate"
	"github.com/1sec-project/warden/internal/runbook"
)

type sliceStore struct {
	mu      sync.Mutex
	records []audit.Record
	failing bool
}

func (s *sliceStore) AppendAudit(_ context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("disk full")
	}
	s.records = append(s.records, r)
	return nil
}

func (s *sliceStore) LastAudit(context.Context) (*audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	r := s.records[len(s.records)-1]
	return &r, nil
}

func (s *sliceStore) AuditTrail(_ context.Context, id string) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Record
	for _, r := range s.records {
		if r.IncidentID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *sliceStore) AuditRange(_ context.Context, after int64, limit int) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Record
	for _, r := range s.records {
		if r.Seq > after {
			out = append(out, r)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func appendSample(t *testing.T, l *audit.Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), audit.Record{
			IncidentID: "inc-1",
			Stage:      "gate",
			Kind:       audit.KindGateDecision,
			Decisions: []gate.Decision{{
				IncidentID: "inc-1",
				ActionName: "block-source",
				Kind:       runbook.KindBlockIP,
				Target:     "203.0.113.7",
				Outcome:    gate.OutcomeAllow,
				Gate:       gate.GateNone,
				Level:      gate.L2,
			}},
			Message: "gate decision",
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestAppend_ChainsRecords(t *testing.T) {
	st := &sliceStore{}
	l := audit.NewLog(st, zerolog.Nop(), audit.WithClock(fixedClock()))
	appendSample(t, l, 3)

	if len(st.records) != 3 {
		t.Fatalf("stored %d records", len(st.records))
	}
	if st.records[0].PrevHash != "" || st.records[0].Seq != 1 {
		t.Errorf("first record: seq=%d prev=%q", st.records[0].Seq, st.records[0].PrevHash)
	}
	for i := 1; i < 3; i++ {
		if st.records[i].PrevHash != st.records[i-1].Hash {
			t.Errorf("record %d does not chain to its predecessor", i)
		}
	}
	n, err := l.Verify(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Verify = %d, %v", n, err)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	st := &sliceStore{}
	l := audit.NewLog(st, zerolog.Nop(), audit.WithClock(fixedClock()))
	appendSample(t, l, 4)

	st.records[2].Decisions[0].Outcome = gate.OutcomeBlocked
	_, err := l.Verify(context.Background())
	var ve *audit.VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("expected VerifyError, got %v", err)
	}
	if ve.Seq != 3 {
		t.Errorf("broken at seq %d, want 3", ve.Seq)
	}
}

func TestVerify_DetectsDeletion(t *testing.T) {
	st := &sliceStore{}
	l := audit.NewLog(st, zerolog.Nop(), audit.WithClock(fixedClock()))
	appendSample(t, l, 4)

	st.records = append(st.records[:1], st.records[2:]...)
	if _, err := l.Verify(context.Background()); !audit.IsVerifyError(err) {
		t.Fatalf("expected VerifyError after deletion, got %v", err)
	}
}

func TestAppend_ResumesChainFromStore(t *testing.T) {
	st := &sliceStore{}
	clock := fixedClock()
	appendSample(t, audit.NewLog(st, zerolog.Nop(), audit.WithClock(clock)), 2)

	l2 := audit.NewLog(st, zerolog.Nop(), audit.WithClock(clock))
	r, err := l2.Append(context.Background(), audit.Record{Kind: audit.KindAdmin, Actor: "ops", Message: "autonomy set to L1"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Seq != 3 || r.PrevHash != st.records[1].Hash {
		t.Errorf("resumed record seq=%d prev=%s", r.Seq, r.PrevHash)
	}
	if _, err := l2.Verify(context.Background()); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestAppend_StoreFailureDoesNotAdvance(t *testing.T) {
	st := &sliceStore{}
	l := audit.NewLog(st, zerolog.Nop(), audit.WithClock(fixedClock()))
	appendSample(t, l, 1)

	st.failing = true
	if _, err := l.Append(context.Background(), audit.Record{Kind: audit.KindAdmin}); err == nil {
		t.Fatal("expected append error")
	}
	st.failing = false
	r, err := l.Append(context.Background(), audit.Record{Kind: audit.KindAdmin})
	if err != nil {
		t.Fatal(err)
	}
	if r.Seq != 2 {
		t.Errorf("seq = %d, want 2", r.Seq)
	}
}

func TestComputeHash_StableDetails(t *testing.T) {
	at := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	d1 := map[string]string{}
	d1["rule"] = "warden-1"
	d1["host"] = "web-01"
	d2 := map[string]string{"host": "web-01", "rule": "warden-1"}

	r := audit.Record{ID: "a", Seq: 1, Kind: audit.KindActionExecuted, Timestamp: at,
		Action: &audit.ActionOutcome{Name: "block-source", Details: d1}}
	h1, err := audit.ComputeHash(r)
	if err != nil {
		t.Fatal(err)
	}
	r.Action = &audit.ActionOutcome{Name: "block-source", Details: d2}
	h2, _ := audit.ComputeHash(r)
	if h1 != h2 {
		t.Fatalf("hash not stable: %s vs %s", h1, h2)
	}
	r.Hash = "ignored"
	if h3, _ := audit.ComputeHash(r); h3 != h1 {
		t.Error("stored hash must not feed the computation")
	}
}

type capturePublisher struct {
	mu   sync.Mutex
	seen []audit.Kind
}

func (p *capturePublisher) PublishAudit(r audit.Record) {
	p.mu.Lock()
	p.seen = append(p.seen, r.Kind)
	p.mu.Unlock()
}

func TestAppend_Publishes(t *testing.T) {
	pub := &capturePublisher{}
	l := audit.NewLog(&sliceStore{}, zerolog.Nop(), audit.WithPublisher(pub))
	if _, err := l.Append(context.Background(), audit.Record{Kind: audit.KindKillSwitch}); err != nil {
		t.Fatal(err)
	}
	if len(pub.seen) != 1 || pub.seen[0] != audit.KindKillSwitch {
		t.Errorf("published %v", pub.seen)
	}
}
