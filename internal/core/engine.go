package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/adapter"
	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/asset"
	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/gate"
	"github.com/1sec-project/warden/internal/incident"
	"github.com/1sec-project/warden/internal/metrics"
	"github.com/1sec-project/warden/internal/orchestrator"
	"github.com/1sec-project/warden/internal/runbook"
	"github.com/1sec-project/warden/internal/store"
)

// Version is set at build time.
var Version = "dev"

// Engine wires the components together and owns their lifecycle.
type Engine struct {
	cfg        atomic.Pointer[Config]
	ConfigPath string
	Logger     zerolog.Logger
	Logs       *LogRingBuffer

	Store        store.Store
	Runbooks     *runbook.Registry
	Assets       *asset.Inventory
	Control      *gate.Controller
	Gates        *gate.Evaluator
	Approvals    *approval.Manager
	Audit        *audit.Log
	Adapters     *adapter.Registry
	Simulator    *adapter.Simulator
	Notifier     *adapter.Notifier
	Metrics      *metrics.Metrics
	Classifier   *incident.Classifier
	Orchestrator *orchestrator.Orchestrator

	mu        sync.RWMutex
	bus       *EventBus
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

type EngineOption func(*engineOptions)

type engineOptions struct {
	logOut io.Writer
	store  store.Store
}

// WithLogOutput sends log output to w instead of stdout.
func WithLogOutput(w io.Writer) EngineOption { return func(o *engineOptions) { o.logOut = w } }

// WithStore uses s instead of opening the configured driver.
func WithStore(s store.Store) EngineOption { return func(o *engineOptions) { o.store = s } }

// NewEngine validates cfg and builds every component. Nothing touches the
// network until Start.
func NewEngine(cfg *Config, opts ...EngineOption) (*Engine, error) {
	o := engineOptions{logOut: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logs := NewLogRingBuffer(2000)
	logger := NewLogger(cfg.Logging, o.logOut, logs)
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		Logger: logger.With().Str("component", "engine").Logger(),
		Logs:   logs,
		ctx:    ctx,
		cancel: cancel,
	}
	e.cfg.Store(cfg)
	for _, w := range warnings {
		e.Logger.Warn().Msg(w)
	}

	if err := e.build(ctx, cfg, logger, o.store); err != nil {
		cancel()
		if e.Store != nil && o.store == nil {
			_ = e.Store.Close()
		}
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context, cfg *Config, logger zerolog.Logger, st store.Store) error {
	var err error
	if st == nil {
		if st, err = OpenStore(ctx, cfg.Storage, logger); err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
	}
	e.Store = st

	e.Runbooks = runbook.NewRegistry(logger)
	if err := e.Runbooks.LoadBuiltin(); err != nil {
		return fmt.Errorf("loading built-in runbooks: %w", err)
	}
	if cfg.Runbooks.Dir != "" {
		if err := e.Runbooks.LoadDir(cfg.Runbooks.Dir); err != nil {
			return fmt.Errorf("loading runbooks: %w", err)
		}
	}

	if e.Assets, err = asset.New(cfg.Assets); err != nil {
		return fmt.Errorf("assets: %w", err)
	}
	e.Metrics = metrics.New(cfg.Metrics.Runtime)

	e.Control = gate.NewController(cfg.StartLevel(), logger)
	e.Control.Observe(e.controlChanged)
	e.Metrics.SetControl(int(e.Control.Effective()), false)
	e.Gates = gate.NewEvaluator(e.Control, cfg.GateConfig(), logger, gate.WithCriticalAssets(e.Assets.IsCritical))

	e.Audit = audit.NewLog(st, logger)
	e.Approvals = approval.NewManager(logger, cfg.Approvals,
		approval.WithStore(st),
		approval.WithNotifier(approval.NotifierFunc(e.notifyPending)),
		approval.WithDirectory(func(role string) bool { return e.Config().RoleStaffed(role) }),
		approval.WithResolveHook(e.approvalResolved),
	)

	if err := e.buildAdapters(cfg, logger); err != nil {
		return err
	}

	e.Classifier = incident.NewClassifier(cfg.Classifier.Rules, cfg.Classifier.ConfidenceFloor, logger,
		incident.WithCriticalAssets(e.Assets.IsCritical))
	e.Orchestrator, err = orchestrator.New(orchestrator.Deps{
		Classifier: e.Classifier,
		Runbooks:   e.Runbooks,
		Gates:      e.Gates,
		Approvals:  e.Approvals,
		Executor:   e.Adapters,
		Audit:      e.Audit,
		Store:      st,
		Metrics:    e.Metrics,
		Critical:   e.Assets.IsCritical,
	}, cfg.OrchestratorConfig(), logger)
	return err
}

// buildAdapters routes every kind to the simulator in simulate mode. In live
// mode only configured adapters are registered and other kinds fail.
func (e *Engine) buildAdapters(cfg *Config, logger zerolog.Logger) error {
	if cfg.Execution.Mode != ModeLive {
		e.Simulator = adapter.NewSimulator(logger, 0)
		e.Adapters = adapter.NewRegistry(e.Simulator)
		return nil
	}
	e.Adapters = adapter.NewRegistry(nil)

	n, err := adapter.NewNotifier(cfg.Execution.Notify, logger)
	if err != nil {
		return fmt.Errorf("notify adapter: %w", err)
	}
	e.Notifier = n
	e.Adapters.Register("notify", n, runbook.KindNotify)

	if cfg.Execution.Firewall.Enabled {
		e.Adapters.Register("firewall", adapter.NewFirewall(logger), runbook.KindBlockIP, runbook.KindUnblockIP)
	}
	if cfg.Execution.Identity.BaseURL != "" {
		id, err := adapter.NewIdentity(cfg.Execution.Identity, logger)
		if err != nil {
			return err
		}
		e.Adapters.Register("identity", id, adapter.IdentityKinds...)
	}
	return nil
}

// Config returns the current configuration. It is replaced, never mutated,
// on reload.
func (e *Engine) Config() *Config { return e.cfg.Load() }

// Bus returns the event bus, or nil when it is disabled or not started.
func (e *Engine) Bus() *EventBus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bus
}

// Start connects the bus, recovers state left by a previous process and
// begins consuming detections.
func (e *Engine) Start() error {
	cfg := e.Config()
	e.Logger.Info().
		Str("version", Version).
		Str("autonomy", e.Control.Effective().String()).
		Str("mode", cfg.Execution.Mode).
		Msg("starting warden engine")

	if cfg.Bus.Enabled {
		bus, err := NewEventBus(&cfg.Bus, e.Logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		e.mu.Lock()
		e.bus = bus
		e.mu.Unlock()
		e.Audit.SetPublisher(bus)

		if cfg.Execution.Mode == ModeLive && cfg.Execution.Endpoint.Enabled {
			ep := adapter.NewEndpoint(bus.Conn(), cfg.Execution.Endpoint.Tenant, cfg.Execution.Endpoint.Timeout, e.Logger)
			e.Adapters.Register("endpoint", ep, adapter.EndpointKinds...)
		}
	}

	n, err := e.Orchestrator.Recover(e.ctx)
	if err != nil {
		return fmt.Errorf("recovering state: %w", err)
	}
	if n > 0 {
		e.Logger.Warn().Int("incidents", n).Msg("incidents interrupted by the previous shutdown were marked failed")
	}

	if bus := e.Bus(); bus != nil {
		if err := bus.SubscribeDetections(e.ctx, e.ingest); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()
	e.Logger.Info().
		Int("runbooks", e.Runbooks.Len()).
		Str("catalog", e.Runbooks.Version()).
		Msg("warden engine started")
	return nil
}

func (e *Engine) ingest(ctx context.Context, ev incident.DetectionEvent) error {
	inc, err := e.Orchestrator.Submit(ctx, ev)
	if err != nil {
		return err
	}
	e.Logger.Info().
		Str("incident_id", inc.ID).
		Str("event_id", inc.EventID).
		Str("type", inc.Type).
		Msg("detection accepted from bus")
	return nil
}

// Submit accepts a detection from the API or CLI.
func (e *Engine) Submit(ctx context.Context, ev incident.DetectionEvent) (*incident.Incident, error) {
	return e.Orchestrator.Submit(ctx, ev)
}

// WaitForSignal blocks until SIGINT or SIGTERM, reloading the configuration
// on SIGHUP.
func (e *Engine) WaitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if _, err := e.Reload("signal"); err != nil {
					e.Logger.Error().Err(err).Msg("config reload failed")
				}
				continue
			}
			e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
			return
		case <-e.ctx.Done():
			return
		}
	}
}

// Shutdown stops intake, cancels in-flight incidents and closes the bus and
// store. Incidents cancelled here are failed and stay failed.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down warden engine")
	e.cancel()
	e.Orchestrator.Shutdown()
	e.Approvals.Stop()

	if bus := e.Bus(); bus != nil {
		if err := bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}
	if err := e.Store.Close(); err != nil {
		e.Logger.Error().Err(err).Msg("error closing store")
	}
	e.Logger.Info().Msg("warden engine stopped")
	return nil
}

// Context is cancelled when the engine shuts down.
func (e *Engine) Context() context.Context { return e.ctx }

// Uptime returns how long the engine has been started, or zero.
func (e *Engine) Uptime() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}

func (e *Engine) notifyPending(r *approval.Request) {
	e.Logger.Warn().
		Str("approval_id", r.ID).
		Str("incident_id", r.IncidentID).
		Str("action", r.ActionName).
		Str("target", r.Target).
		Strs("roles", r.RequiredRoles).
		Msg("approval required")
	if bus := e.Bus(); bus != nil {
		bus.NotifyPending(r)
	}
}

func (e *Engine) approvalResolved(r *approval.Request) {
	e.Metrics.ApprovalResolved(string(r.State))
	if bus := e.Bus(); bus != nil {
		bus.PublishResolved(r)
	}
}

// controlChanged audits autonomy and kill-switch changes and mirrors them
// into the metrics.
func (e *Engine) controlChanged(ev gate.ControlEvent) {
	e.Metrics.SetControl(int(e.Control.Effective()), e.Control.KillSwitchEngaged())

	kind := audit.KindAdmin
	msg := fmt.Sprintf("autonomy level %s -> %s", ev.From, ev.To)
	switch ev.Kind {
	case gate.EventKillSwitchEngaged:
		kind = audit.KindKillSwitch
		msg = "kill-switch engaged: " + ev.Reason
	case gate.EventKillSwitchReleased:
		kind = audit.KindKillSwitch
		msg = fmt.Sprintf("kill-switch disengaged, autonomy restored to %s", ev.To)
	}
	e.audit(kind, ev.Actor, msg)
}

// audit appends an administrative record. Failures are logged; the change
// itself already happened.
func (e *Engine) audit(kind audit.Kind, actor, msg string) {
	if _, err := e.Audit.Append(context.Background(), audit.Record{
		Kind:    kind,
		Actor:   actor,
		Message: msg,
	}); err != nil {
		e.Logger.Error().Err(err).Str("kind", string(kind)).Msg("administrative action not audited")
	}
}

// Reload re-reads the config file, applies what can change at runtime and
// audits the result.
func (e *Engine) Reload(actor string) ([]string, error) {
	changes, err := ReloadConfig(e, e.ConfigPath)
	if err != nil {
		return nil, err
	}
	e.audit(audit.KindAdmin, actor, fmt.Sprintf("configuration reloaded: %v", changes))
	return changes, nil
}

// Status summarizes the engine for the status endpoint and CLI.
func (e *Engine) Status() map[string]any {
	cfg := e.Config()
	bus := e.Bus()
	routes := map[string]string{}
	for k, name := range e.Adapters.Routes() {
		routes[string(k)] = name
	}
	return map[string]any{
		"version":          Version,
		"uptime_seconds":   int64(e.Uptime().Seconds()),
		"autonomy":         e.Control.Effective().String(),
		"configured_level": e.Control.Configured().String(),
		"kill_switch":      e.Control.KillSwitchEngaged(),
		"execution_mode":   cfg.Execution.Mode,
		"adapters":         routes,
		"active_incidents": e.Orchestrator.Active(),
		"ledger":           e.Gates.Ledger().Snapshot(),
		"approvals":        e.Approvals.Stats(),
		"runbooks":         e.Runbooks.Len(),
		"catalog_version":  e.Runbooks.Version(),
		"storage":          cfg.Storage.Driver,
		"bus_connected":    bus != nil && bus.IsConnected(),
		"timestamp":        time.Now().UTC(),
	}
}
