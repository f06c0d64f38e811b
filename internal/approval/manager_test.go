package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/gate"
	"github.com/1sec-project/warden/internal/runbook"
)

type memStore struct {
	mu   sync.Mutex
	reqs map[string]*Request
}

func newMemStore() *memStore { return &memStore{reqs: map[string]*Request{}} }

func (s *memStore) SaveApproval(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs[r.ID] = r.Clone()
	return nil
}

func (s *memStore) ListApprovals(_ context.Context, state State) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, r := range s.reqs {
		if r.State == state {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func dcSpec() Spec {
	return Spec{
		IncidentID: "inc-1",
		ActionName: "isolate-hosts",
		Kind:       runbook.KindIsolateHost,
		Target:     "dc-01",
		Risk:       runbook.RiskWriteCritical,
		Gate:       gate.GateAutonomy,
		Roles:      []string{"incident_commander", "asset_owner"},
		Count:      2,
	}
}

var (
	alice = Identity{ID: "alice", Roles: []string{"incident_commander"}}
	bob   = Identity{ID: "bob", Roles: []string{"asset_owner"}}
	carol = Identity{ID: "carol", Roles: []string{"analyst"}}
	dave  = Identity{ID: "dave", Roles: []string{"incident_commander", "asset_owner"}}
)

func TestQuorum_TwoRolesRequireTwoApprovers(t *testing.T) {
	m := NewManager(zerolog.Nop(), Config{TTL: time.Minute})
	defer m.Stop()
	ctx := context.Background()

	req, err := m.Submit(ctx, dcSpec())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r, err := m.Approve(ctx, req.ID, alice)
	if err != nil {
		t.Fatalf("Approve alice: %v", err)
	}
	if r.State != StatePending {
		t.Fatalf("one approval must not satisfy a two-role quorum, state=%s", r.State)
	}
	if _, err := m.Approve(ctx, req.ID, alice); !errors.Is(err, ErrDuplicateApprover) {
		t.Errorf("expected ErrDuplicateApprover, got %v", err)
	}
	r, err = m.Approve(ctx, req.ID, bob)
	if err != nil {
		t.Fatalf("Approve bob: %v", err)
	}
	if r.State != StateApproved || r.DecidedBy != "bob" {
		t.Errorf("state=%s decided_by=%s", r.State, r.DecidedBy)
	}

	got, err := m.Await(ctx, req.ID)
	if err != nil || got.State != StateApproved {
		t.Errorf("Await = %v, %v", got, err)
	}
}

func TestQuorum_OnePersonCannotCoverBothRoles(t *testing.T) {
	m := NewManager(zerolog.Nop(), Config{TTL: time.Minute})
	defer m.Stop()
	ctx := context.Background()

	req, _ := m.Submit(ctx, dcSpec())
	r, err := m.Approve(ctx, req.ID, dave)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != StatePending {
		t.Fatalf("state = %s", r.State)
	}
	if _, err := m.Approve(ctx, req.ID, dave); !errors.Is(err, ErrDuplicateApprover) {
		t.Errorf("expected duplicate approver, got %v", err)
	}
}

func TestApprove_Ineligible(t *testing.T) {
	m := NewManager(zerolog.Nop(), Config{TTL: time.Minute})
	defer m.Stop()
	req, _ := m.Submit(context.Background(), dcSpec())
	if _, err := m.Approve(context.Background(), req.ID, carol); !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible, got %v", err)
	}
	if _, err := m.Reject(context.Background(), req.ID, carol, "no"); !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible on reject, got %v", err)
	}
}

func TestReject_SingleRejectionResolves(t *testing.T) {
	var resolved atomic.Int32
	m := NewManager(zerolog.Nop(), Config{TTL: time.Minute}, WithResolveHook(func(r *Request) { resolved.Add(1) }))
	defer m.Stop()
	ctx := context.Background()

	req, _ := m.Submit(ctx, dcSpec())
	_, _ = m.Approve(ctx, req.ID, alice)
	r, err := m.Reject(ctx, req.ID, bob, "business hours")
	if err != nil {
		t.Fatal(err)
	}
	if r.State != StateRejected || r.Resolution != "business hours" {
		t.Errorf("state=%s resolution=%q", r.State, r.Resolution)
	}
	if _, err := m.Approve(ctx, req.ID, bob); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
	if resolved.Load() != 1 {
		t.Errorf("resolve hook ran %d times", resolved.Load())
	}
}

func TestExpiry(t *testing.T) {
	m := NewManager(zerolog.Nop(), Config{TTL: 30 * time.Millisecond})
	defer m.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := m.Submit(ctx, dcSpec())
	r, err := m.Await(ctx, req.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if r.State != StateExpired {
		t.Errorf("state = %s", r.State)
	}
	if len(m.Pending("")) != 0 {
		t.Error("expired request still pending")
	}
	if s := m.Stats(); s["total_expired"] != 1 {
		t.Errorf("stats = %v", s)
	}
}

func TestSubmit_UnstaffedRoleEscalates(t *testing.T) {
	staffed := map[string]bool{"incident_commander": true}
	m := NewManager(zerolog.Nop(), Config{TTL: time.Hour}, WithDirectory(func(r string) bool { return staffed[r] }))
	defer m.Stop()

	req, err := m.Submit(context.Background(), dcSpec())
	if err != nil {
		t.Fatal(err)
	}
	if req.State != StateExpired {
		t.Fatalf("state = %s", req.State)
	}
	if req.Resolution != "escalation: no approver holds role asset_owner" {
		t.Errorf("resolution = %q", req.Resolution)
	}
	got, err := m.Await(context.Background(), req.ID)
	if err != nil || got.State != StateExpired {
		t.Errorf("Await = %v, %v", got, err)
	}
}

func TestPendingFilterAndNotify(t *testing.T) {
	notified := make(chan *Request, 2)
	m := NewManager(zerolog.Nop(), Config{TTL: time.Minute}, WithNotifier(NotifierFunc(func(r *Request) { notified <- r })))
	defer m.Stop()

	_, _ = m.Submit(context.Background(), dcSpec())
	spec := dcSpec()
	spec.Roles, spec.Count = []string{"analyst"}, 1
	_, _ = m.Submit(context.Background(), spec)

	if got := m.Pending("analyst"); len(got) != 1 {
		t.Errorf("analyst queue = %d", len(got))
	}
	if got := m.Pending(""); len(got) != 2 {
		t.Errorf("all pending = %d", len(got))
	}
	for i := 0; i < 2; i++ {
		select {
		case <-notified:
		case <-time.After(time.Second):
			t.Fatal("notifier not called")
		}
	}
}

func TestMaxPendingEvictsOldest(t *testing.T) {
	m := NewManager(zerolog.Nop(), Config{TTL: time.Minute, MaxPending: 1})
	defer m.Stop()
	first, _ := m.Submit(context.Background(), dcSpec())
	_, _ = m.Submit(context.Background(), dcSpec())
	got, ok := m.Get(first.ID)
	if !ok || got.State != StateExpired {
		t.Errorf("oldest request = %+v", got)
	}
}

func TestRecover_ExpiresPersistedPending(t *testing.T) {
	store := newMemStore()
	m1 := NewManager(zerolog.Nop(), Config{TTL: time.Hour}, WithStore(store))
	req, _ := m1.Submit(context.Background(), dcSpec())
	m1.Stop()

	m2 := NewManager(zerolog.Nop(), Config{TTL: time.Hour}, WithStore(store))
	defer m2.Stop()
	n, err := m2.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	got, ok := m2.Get(req.ID)
	if !ok || got.State != StateExpired || got.Resolution != "interrupted by restart" {
		t.Errorf("recovered = %+v", got)
	}
	left, _ := store.ListApprovals(context.Background(), StatePending)
	if len(left) != 0 {
		t.Errorf("%d requests still pending in store", len(left))
	}
}

func TestAwait_ContextCancel(t *testing.T) {
	m := NewManager(zerolog.Nop(), Config{TTL: time.Hour})
	defer m.Stop()
	req, _ := m.Submit(context.Background(), dcSpec())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Await(ctx, req.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestQuorum_MultiRoleApproverIsReassigned(t *testing.T) {
	m := NewManager(zerolog.Nop(), Config{TTL: time.Minute})
	defer m.Stop()
	ctx := context.Background()

	req, _ := m.Submit(ctx, dcSpec())
	r, err := m.Approve(ctx, req.ID, dave)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != StatePending {
		t.Fatalf("state after dave = %s", r.State)
	}
	r, err = m.Approve(ctx, req.ID, bob)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != StateApproved {
		t.Fatalf("state = %s, want approved (approvals=%+v)", r.State, r.Approvals)
	}
	roles := map[string]string{}
	for _, s := range r.Approvals {
		roles[s.Approver] = s.Role
	}
	if roles["dave"] != "incident_commander" || roles["bob"] != "asset_owner" {
		t.Errorf("sign-off roles = %v", roles)
	}
}

func TestQuorum_SameSingleRoleTwiceStaysPending(t *testing.T) {
	m := NewManager(zerolog.Nop(), Config{TTL: time.Minute})
	defer m.Stop()
	ctx := context.Background()

	req, _ := m.Submit(ctx, dcSpec())
	erin := Identity{ID: "erin", Roles: []string{"asset_owner"}}
	if _, err := m.Approve(ctx, req.ID, bob); err != nil {
		t.Fatal(err)
	}
	r, err := m.Approve(ctx, req.ID, erin)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != StatePending {
		t.Errorf("two asset owners must not cover incident_commander, state=%s", r.State)
	}
}

func TestCancel_ExpiresPendingAndWakesAwait(t *testing.T) {
	var expired atomic.Int32
	m := NewManager(zerolog.Nop(), Config{TTL: time.Hour}, WithResolveHook(func(r *Request) {
		if r.State == StateExpired {
			expired.Add(1)
		}
	}))
	defer m.Stop()
	ctx := context.Background()
	req, _ := m.Submit(ctx, dcSpec())

	done := make(chan *Request, 1)
	go func() {
		r, _ := m.Await(ctx, req.ID)
		done <- r
	}()
	if _, err := m.Cancel(req.ID, "kill switch engaged"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case r := <-done:
		if r == nil || r.State != StateExpired || r.Resolution != "kill switch engaged" {
			t.Errorf("Await = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not return after Cancel")
	}
	if expired.Load() != 1 {
		t.Errorf("resolve hook ran %d times", expired.Load())
	}
	if _, err := m.Cancel(req.ID, "again"); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

// blockingStore holds SaveApproval until release is closed.
type blockingStore struct {
	*memStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) SaveApproval(ctx context.Context, r *Request) error {
	if r.State != StatePending {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.memStore.SaveApproval(ctx, r)
}

func TestResolve_SlowStoreDoesNotBlockReaders(t *testing.T) {
	store := &blockingStore{memStore: newMemStore(), entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(zerolog.Nop(), Config{TTL: time.Hour}, WithStore(store))
	defer m.Stop()
	ctx := context.Background()
	req, _ := m.Submit(ctx, dcSpec())
	other, _ := m.Submit(ctx, dcSpec())

	go m.Reject(ctx, req.ID, alice, "no")
	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("resolution never reached the store")
	}

	read := make(chan int, 1)
	go func() { read <- len(m.Pending("")) }()
	select {
	case n := <-read:
		if n != 1 {
			t.Errorf("pending = %d, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Pending blocked behind a store write")
	}
	if got, ok := m.Get(other.ID); !ok || got.State != StatePending {
		t.Errorf("Get = %+v", got)
	}
	close(store.release)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if left, _ := store.ListApprovals(ctx, StateRejected); len(left) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("rejection was not persisted")
}
