package approval

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config controls request lifetime and queue size.
type Config struct {
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	MaxPending int           `yaml:"max_pending" json:"max_pending"`
}

func DefaultConfig() Config {
	return Config{TTL: 30 * time.Minute, MaxPending: 100}
}

type entry struct {
	req   *Request
	done  chan struct{}
	timer *time.Timer
}

// Manager tracks approval requests from submission to resolution.
type Manager struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	cfg      Config
	store    Store
	notifier Notifier
	// staffed reports whether any configured approver holds a role.
	staffed  func(role string) bool
	pending  map[string]*entry
	history  []*Request
	resolved []func(*Request)
	now      func() time.Time
	// rev orders snapshots taken under mu; saveMu and savedRev keep a stale
	// snapshot from overwriting a newer one in the store.
	rev      uint64
	saveMu   sync.Mutex
	savedRev map[string]uint64
	ctx      context.Context
	cancel   context.CancelFunc
}

type Option func(*Manager)

func WithStore(s Store) Option { return func(m *Manager) { m.store = s } }

func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithDirectory sets the lookup used to detect required roles nobody holds.
func WithDirectory(staffed func(role string) bool) Option {
	return func(m *Manager) { m.staffed = staffed }
}

// WithResolveHook registers fn to run after every resolution.
func WithResolveHook(fn func(*Request)) Option {
	return func(m *Manager) { m.resolved = append(m.resolved, fn) }
}

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(logger zerolog.Logger, cfg Config, opts ...Option) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger.With().Str("component", "approvals").Logger(),
		cfg:      cfg,
		staffed:  func(string) bool { return true },
		pending:  make(map[string]*entry),
		history:  make([]*Request, 0, 100),
		savedRev: make(map[string]uint64),
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetTTL changes the lifetime of requests submitted from now on.
func (m *Manager) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.cfg.TTL = ttl
	m.mu.Unlock()
}

// SetDirectory replaces the staffed-role lookup, e.g. after operators change.
func (m *Manager) SetDirectory(staffed func(role string) bool) {
	m.mu.Lock()
	m.staffed = staffed
	m.mu.Unlock()
}

// Submit opens a request. A required role nobody holds resolves it as
// expired immediately, so the caller escalates instead of waiting out the TTL.
// Store writes happen outside m.mu.
func (m *Manager) Submit(ctx context.Context, spec Spec) (*Request, error) {
	roles := append([]string(nil), spec.Roles...)
	sort.Strings(roles)
	count := spec.Count
	if count < len(roles) {
		count = len(roles)
	}
	if count < 1 {
		count = 1
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("approval for %s requires at least one role", spec.ActionName)
	}

	m.mu.Lock()
	now := m.now()
	ttl := m.cfg.TTL
	m.rev++
	rev := m.rev
	var unstaffed []string
	for _, role := range roles {
		if !m.staffed(role) {
			unstaffed = append(unstaffed, role)
		}
	}
	m.mu.Unlock()

	req := &Request{
		ID:            uuid.New().String(),
		IncidentID:    spec.IncidentID,
		CorrelationID: spec.CorrelationID,
		ActionIndex:   spec.ActionIndex,
		ActionName:    spec.ActionName,
		Kind:          spec.Kind,
		Target:        spec.Target,
		Risk:          spec.Risk,
		Gate:          spec.Gate,
		Reason:        spec.Reason,
		RequiredRoles: roles,
		RequiredCount: count,
		State:         StatePending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := m.persist(ctx, req, rev); err != nil {
		return nil, fmt.Errorf("persisting approval request: %w", err)
	}

	m.mu.Lock()
	var evicted *Request
	if len(m.pending) >= m.cfg.MaxPending {
		m.logger.Warn().Int("max_pending", m.cfg.MaxPending).Msg("approval queue at capacity, expiring oldest request")
		evicted = m.expireOldestLocked()
	}
	e := &entry{req: req, done: make(chan struct{})}
	m.pending[req.ID] = e
	hooks := m.resolved

	if len(unstaffed) > 0 {
		out := m.resolveLocked(e, StateExpired, "", fmt.Sprintf("escalation: no approver holds role %s", strings.Join(unstaffed, ", ")))
		m.mu.Unlock()
		m.finish(evicted, hooks)
		m.finish(out, hooks)
		return out, nil
	}

	id := req.ID
	e.timer = time.AfterFunc(ttl, func() { m.expire(id) })
	out := req.Clone()
	notifier := m.notifier
	m.mu.Unlock()
	m.finish(evicted, hooks)

	m.logger.Warn().
		Str("approval_id", req.ID).
		Str("incident_id", req.IncidentID).
		Str("action", req.ActionName).
		Str("target", req.Target).
		Strs("roles", roles).
		Int("count", count).
		Time("expires_at", req.ExpiresAt).
		Msg("action held for approval")

	if notifier != nil {
		go notifier.NotifyPending(out.Clone())
	}
	return out, nil
}

// Approve records a sign-off. The request resolves approved once quorum is met.
func (m *Manager) Approve(ctx context.Context, id string, who Identity) (*Request, error) {
	m.mu.Lock()
	e, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return nil, m.missing(id)
	}
	roles := e.req.eligibleRoles(who)
	if len(roles) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s needs %s", ErrNotEligible, who.ID, strings.Join(e.req.RequiredRoles, ", "))
	}
	if e.req.hasApprover(who.ID) {
		m.mu.Unlock()
		return nil, ErrDuplicateApprover
	}
	e.req.Approvals = append(e.req.Approvals, Signoff{Approver: who.ID, Roles: roles, At: m.now()})
	e.req.relabel()
	role := e.req.Approvals[len(e.req.Approvals)-1].Role

	var (
		out *Request
		rev uint64
	)
	resolved := e.req.QuorumMet()
	if resolved {
		out = m.resolveLocked(e, StateApproved, who.ID, "quorum reached")
	} else {
		m.rev++
		out, rev = e.req.Clone(), m.rev
	}
	hooks := m.resolved
	m.mu.Unlock()

	m.logger.Info().
		Str("approval_id", id).
		Str("approver", who.ID).
		Str("role", role).
		Int("approvals", len(out.Approvals)).
		Int("required", out.RequiredCount).
		Str("state", string(out.State)).
		Msg("approval recorded")
	if resolved {
		m.finish(out, hooks)
	} else if err := m.persist(ctx, out, rev); err != nil {
		m.logger.Error().Err(err).Str("approval_id", id).Msg("failed to persist sign-off")
	}
	return out, nil
}

// Reject resolves the request as rejected. Any eligible approver may reject.
func (m *Manager) Reject(ctx context.Context, id string, who Identity, reason string) (*Request, error) {
	m.mu.Lock()
	e, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return nil, m.missing(id)
	}
	if len(e.req.eligibleRoles(who)) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s needs %s", ErrNotEligible, who.ID, strings.Join(e.req.RequiredRoles, ", "))
	}
	if reason == "" {
		reason = "rejected"
	}
	out := m.resolveLocked(e, StateRejected, who.ID, reason)
	hooks := m.resolved
	m.mu.Unlock()

	m.logger.Info().Str("approval_id", id).Str("approver", who.ID).Str("reason", reason).Msg("approval rejected")
	m.finish(out, hooks)
	return out, nil
}

// Cancel expires a pending request on behalf of the system, e.g. when the
// kill switch engages while an incident waits on it.
func (m *Manager) Cancel(id, reason string) (*Request, error) {
	m.mu.Lock()
	e, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return nil, m.missing(id)
	}
	out := m.resolveLocked(e, StateExpired, "", reason)
	hooks := m.resolved
	m.mu.Unlock()

	m.logger.Warn().Str("approval_id", id).Str("incident_id", out.IncidentID).Str("reason", reason).Msg("approval request cancelled")
	m.finish(out, hooks)
	return out, nil
}

// Await blocks until the request resolves or ctx ends.
func (m *Manager) Await(ctx context.Context, id string) (*Request, error) {
	m.mu.Lock()
	e, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		if r := m.fromHistory(id); r != nil {
			return r, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	done := e.done
	m.mu.Unlock()

	select {
	case <-done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return e.req.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, fmt.Errorf("approval manager stopped")
	}
}

// Get returns a snapshot of a pending or resolved request.
func (m *Manager) Get(id string) (*Request, bool) {
	m.mu.Lock()
	e, ok := m.pending[id]
	m.mu.Unlock()
	if ok {
		m.mu.Lock()
		defer m.mu.Unlock()
		return e.req.Clone(), true
	}
	r := m.fromHistory(id)
	return r, r != nil
}

// Pending lists open requests, oldest first. A non-empty role restricts the
// list to requests that role can act on.
func (m *Manager) Pending(role string) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, 0, len(m.pending))
	for _, e := range m.pending {
		if role != "" && !slices.Contains(e.req.RequiredRoles, role) {
			continue
		}
		out = append(out, e.req.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns the most recent resolved requests, oldest first.
func (m *Manager) History(limit int) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]*Request, 0, limit)
	for _, r := range m.history[len(m.history)-limit:] {
		out = append(out, r.Clone())
	}
	return out
}

func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[State]int{}
	for _, r := range m.history {
		counts[r.State]++
	}
	return map[string]interface{}{
		"pending_count":  len(m.pending),
		"max_pending":    m.cfg.MaxPending,
		"ttl_seconds":    m.cfg.TTL.Seconds(),
		"total_approved": counts[StateApproved],
		"total_rejected": counts[StateRejected],
		"total_expired":  counts[StateExpired],
	}
}

// Recover expires requests persisted as pending by a previous process. Their
// incidents were interrupted and will never await them.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	stale, err := m.store.ListApprovals(ctx, StatePending)
	if err != nil {
		return 0, fmt.Errorf("listing pending approvals: %w", err)
	}
	for _, r := range stale {
		now := m.now()
		r.State = StateExpired
		r.Resolution = "interrupted by restart"
		r.ResolvedAt = &now
		if err := m.store.SaveApproval(ctx, r); err != nil {
			return 0, fmt.Errorf("expiring approval %s: %w", r.ID, err)
		}
		m.mu.Lock()
		m.history = append(m.history, r)
		m.mu.Unlock()
		m.logger.Warn().Str("approval_id", r.ID).Str("incident_id", r.IncidentID).Msg("pending approval expired after restart")
	}
	return len(stale), nil
}

// Stop cancels outstanding waits and timers.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	for _, e := range m.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	m.mu.Unlock()
	m.logger.Info().Msg("approval manager stopped")
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	e, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	out := m.resolveLocked(e, StateExpired, "", "approval TTL elapsed")
	hooks := m.resolved
	m.mu.Unlock()

	m.logger.Warn().Str("approval_id", id).Str("incident_id", out.IncidentID).Str("action", out.ActionName).Msg("pending approval expired")
	m.finish(out, hooks)
}

func (m *Manager) expireOldestLocked() *Request {
	var oldest *entry
	for _, e := range m.pending {
		if oldest == nil || e.req.CreatedAt.Before(oldest.req.CreatedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}
	return m.resolveLocked(oldest, StateExpired, "", "evicted: approval queue at capacity")
}

// resolveLocked moves e out of the pending set and returns a snapshot for
// finish. Callers hold m.mu.
func (m *Manager) resolveLocked(e *entry, state State, by, resolution string) *Request {
	m.rev++
	e.req.rev = m.rev
	now := m.now()
	e.req.State = state
	e.req.DecidedBy = by
	e.req.Resolution = resolution
	e.req.ResolvedAt = &now
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.pending, e.req.ID)
	m.history = append(m.history, e.req)
	if len(m.history) > 1000 {
		m.forgetRevs(m.history[:len(m.history)-1000])
		m.history = m.history[len(m.history)-1000:]
	}
	close(e.done)
	return e.req.Clone()
}

// finish persists a resolution and runs the resolve hooks. Called without m.mu.
func (m *Manager) finish(r *Request, hooks []func(*Request)) {
	if r == nil {
		return
	}
	if err := m.persist(context.Background(), r, r.rev); err != nil {
		m.logger.Error().Err(err).Str("approval_id", r.ID).Msg("failed to persist approval resolution")
	}
	m.runHooks(hooks, r)
}

// persist writes r unless a snapshot with a higher rev was already saved.
func (m *Manager) persist(ctx context.Context, r *Request, rev uint64) error {
	if m.store == nil {
		return nil
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if last, ok := m.savedRev[r.ID]; ok && rev <= last {
		return nil
	}
	if err := m.store.SaveApproval(ctx, r.Clone()); err != nil {
		return err
	}
	m.savedRev[r.ID] = rev
	return nil
}

// forgetRevs drops bookkeeping for requests trimmed from history. Callers hold m.mu.
func (m *Manager) forgetRevs(trimmed []*Request) {
	m.saveMu.Lock()
	for _, r := range trimmed {
		delete(m.savedRev, r.ID)
	}
	m.saveMu.Unlock()
}

func (m *Manager) runHooks(hooks []func(*Request), r *Request) {
	for _, fn := range hooks {
		fn(r.Clone())
	}
}

func (m *Manager) missing(id string) error {
	if r := m.fromHistory(id); r != nil {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, r.State)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *Manager) fromHistory(id string) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i].Clone()
		}
	}
	return nil
}
