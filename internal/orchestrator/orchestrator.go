// Package orchestrator drives incidents through the decision graph: classify,
// select a runbook, plan, gate, execute, verify and, when something fails,
// roll back once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/adapter"
	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/gate"
	"github.com/1sec-project/warden/internal/incident"
	"github.com/1sec-project/warden/internal/metrics"
	"github.com/1sec-project/warden/internal/runbook"
	"github.com/1sec-project/warden/internal/store"
)

var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Config holds execution tunables.
type Config struct {
	// ActionTimeout bounds one adapter call unless the action sets its own.
	ActionTimeout time.Duration `yaml:"action_timeout" json:"action_timeout"`
	// RollbackBackoff is the pause before the single retry of a failed
	// compensating action.
	RollbackBackoff time.Duration `yaml:"rollback_backoff" json:"rollback_backoff"`
	// ReleaseOnClose drops an incident's blast-radius holds when it ends.
	ReleaseOnClose bool `yaml:"release_on_close" json:"release_on_close"`
}

func DefaultConfig() Config {
	return Config{ActionTimeout: 2 * time.Minute, RollbackBackoff: 2 * time.Second, ReleaseOnClose: true}
}

// Runbooks is the lookup the orchestrator needs from the registry.
type Runbooks interface {
	Lookup(id string) (*runbook.Runbook, bool)
}

// Deps are the components an Orchestrator coordinates.
type Deps struct {
	Classifier *incident.Classifier
	Runbooks   Runbooks
	Gates      *gate.Evaluator
	Approvals  *approval.Manager
	Executor   adapter.Executor
	Audit      *audit.Log
	Store      store.Incidents
	Metrics    *metrics.Metrics
	// Critical reports whether a target is a critical asset.
	Critical func(target string) bool
}

// Orchestrator runs each incident in its own goroutine. Incidents share only
// the gate ledger and the autonomy controller.
type Orchestrator struct {
	d      Deps
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	live map[string]*incident.Incident

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopping bool
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(d Deps, cfg Config, logger zerolog.Logger, opts ...Option) (*Orchestrator, error) {
	switch {
	case d.Classifier == nil:
		return nil, fmt.Errorf("orchestrator: classifier is required")
	case d.Runbooks == nil:
		return nil, fmt.Errorf("orchestrator: runbook registry is required")
	case d.Gates == nil:
		return nil, fmt.Errorf("orchestrator: gate evaluator is required")
	case d.Approvals == nil:
		return nil, fmt.Errorf("orchestrator: approval manager is required")
	case d.Executor == nil:
		return nil, fmt.Errorf("orchestrator: executor is required")
	case d.Audit == nil:
		return nil, fmt.Errorf("orchestrator: audit log is required")
	case d.Store == nil:
		return nil, fmt.Errorf("orchestrator: incident store is required")
	}
	if d.Critical == nil {
		d.Critical = func(string) bool { return false }
	}
	def := DefaultConfig()
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.RollbackBackoff < 0 {
		cfg.RollbackBackoff = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		d:      d,
		cfg:    cfg,
		logger: logger.With().Str("component", "orchestrator").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		live:   make(map[string]*incident.Incident),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// SetConfig applies reloaded execution settings to incidents started later.
func (o *Orchestrator) SetConfig(cfg Config) {
	if cfg.ActionTimeout <= 0 {
		return
	}
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// Submit classifies ev, persists the new incident and drives it in the
// background. The returned snapshot reflects the incident at intake.
func (o *Orchestrator) Submit(ctx context.Context, ev incident.DetectionEvent) (*incident.Incident, error) {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	o.wg.Add(1)
	o.mu.Unlock()

	inc := o.d.Classifier.Classify(ev)
	if err := o.publish(ctx, inc); err != nil {
		o.drop(inc.ID)
		o.wg.Done()
		return nil, err
	}
	snapshot := inc.Clone()

	go func() {
		defer o.wg.Done()
		o.drive(o.ctx, inc)
	}()
	return snapshot, nil
}

// Process classifies ev and drives it to a terminal stage before returning.
func (o *Orchestrator) Process(ctx context.Context, ev incident.DetectionEvent) (*incident.Incident, error) {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	inc := o.d.Classifier.Classify(ev)
	if err := o.publish(ctx, inc); err != nil {
		o.drop(inc.ID)
		return nil, err
	}
	o.drive(ctx, inc)
	return inc.Clone(), nil
}

// Get returns the latest snapshot of an incident.
func (o *Orchestrator) Get(ctx context.Context, id string) (*incident.Incident, error) {
	o.mu.RLock()
	inc, ok := o.live[id]
	o.mu.RUnlock()
	if ok {
		return inc.Clone(), nil
	}
	return o.d.Store.GetIncident(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	return o.d.Store.ListIncidents(ctx, f)
}

// Active returns the number of incidents currently being driven.
func (o *Orchestrator) Active() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.live)
}

// Wait blocks until every submitted incident has reached a terminal stage.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Recover fails incidents a previous process left mid-flight and expires the
// approvals they were waiting on. Failed incidents are never resumed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if _, err := o.d.Approvals.Recover(ctx); err != nil {
		return 0, fmt.Errorf("recovering approvals: %w", err)
	}
	stale, err := o.d.Store.ListIncidents(ctx, incident.Filter{Active: true})
	if err != nil {
		return 0, fmt.Errorf("listing interrupted incidents: %w", err)
	}
	n := 0
	for _, inc := range stale {
		from := inc.Stage
		if err := inc.Advance(incident.StageFailed, "interrupted by restart", o.now()); err != nil {
			continue
		}
		if _, err := o.d.Audit.Append(ctx, audit.Record{
			CorrelationID: inc.CorrelationID,
			IncidentID:    inc.ID,
			Stage:         incident.StageFailed.String(),
			Kind:          audit.KindStageTransition,
			Message:       fmt.Sprintf("%s -> failed: interrupted by restart", from),
		}); err != nil {
			return n, err
		}
		if err := o.d.Store.SaveIncident(ctx, inc); err != nil {
			return n, fmt.Errorf("saving recovered incident %s: %w", inc.ID, err)
		}
		o.d.Metrics.IncidentDone(inc.Type, incident.StageFailed.String())
		n++
	}
	if n > 0 {
		o.logger.Warn().Int("incidents", n).Msg("interrupted incidents marked failed")
	}
	return n, nil
}

// Shutdown stops accepting incidents, cancels the ones in flight and waits
// for their goroutines to finish.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// publish refreshes the snapshot readers see and persists inc. A store
// failure is returned so the caller can fail the incident or refuse intake.
func (o *Orchestrator) publish(ctx context.Context, inc *incident.Incident) error {
	snap := inc.Clone()
	o.mu.Lock()
	if snap.Stage.Terminal() {
		delete(o.live, snap.ID)
	} else {
		o.live[snap.ID] = snap
	}
	o.mu.Unlock()
	if err := o.d.Store.SaveIncident(context.WithoutCancel(ctx), snap); err != nil {
		o.logger.Error().Err(err).Str("incident_id", inc.ID).Str("stage", snap.Stage.String()).Msg("failed to persist incident")
		return fmt.Errorf("persisting incident %s: %w", inc.ID, err)
	}
	return nil
}

func (o *Orchestrator) drop(id string) {
	o.mu.Lock()
	delete(o.live, id)
	o.mu.Unlock()
}
