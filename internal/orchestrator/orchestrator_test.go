package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/adapter"
	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/gate"
	"github.com/1sec-project/warden/internal/incident"
	"github.com/1sec-project/warden/internal/metrics"
	"github.com/1sec-project/warden/internal/orchestrator"
	"github.com/1sec-project/warden/internal/runbook"
	"github.com/1sec-project/warden/internal/store"
	"github.com/1sec-project/warden/internal/store/memory"
)

type harness struct {
	orch      *orchestrator.Orchestrator
	sim       *adapter.Simulator
	ctl       *gate.Controller
	approvals *approval.Manager
	log       *audit.Log
	store     *memory.Store
	metrics   *metrics.Metrics
}

type options struct {
	level    gate.Level
	critical []string
	rules    []incident.Rule
	delay    time.Duration
	wrap     func(adapter.Executor) adapter.Executor
	// saveFails makes incident saves fail for matching snapshots.
	saveFails func(*incident.Incident) bool
}

// failingStore rejects SaveIncident for snapshots matching fails.
type failingStore struct {
	*memory.Store
	fails func(*incident.Incident) bool
}

func (s *failingStore) SaveIncident(ctx context.Context, inc *incident.Incident) error {
	if s.fails(inc) {
		return errors.New("disk full")
	}
	return s.Store.SaveIncident(ctx, inc)
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	logger := zerolog.Nop()
	crit := map[string]bool{}
	for _, c := range opts.critical {
		crit[c] = true
	}
	isCritical := func(target string) bool { return crit[target] }

	reg := runbook.NewRegistry(logger)
	if err := reg.LoadBuiltin(); err != nil {
		t.Fatalf("LoadBuiltin: %v", err)
	}
	ctl := gate.NewController(opts.level, logger)
	gates := gate.NewEvaluator(ctl, gate.Config{
		BlastRadiusCeiling: 5,
		Cooldown:           time.Hour,
		Policy:             gate.DefaultApprovalPolicy(),
	}, logger)
	st := memory.New()
	approvals := approval.NewManager(logger, approval.Config{TTL: 5 * time.Second}, approval.WithStore(st))
	log := audit.NewLog(st, logger)
	sim := adapter.NewSimulator(logger, opts.delay)
	var exec adapter.Executor = sim
	if opts.wrap != nil {
		exec = opts.wrap(sim)
	}
	m := metrics.New(false)
	var incidents store.Incidents = st
	if opts.saveFails != nil {
		incidents = &failingStore{Store: st, fails: opts.saveFails}
	}

	o, err := orchestrator.New(orchestrator.Deps{
		Classifier: incident.NewClassifier(opts.rules, 0, logger, incident.WithCriticalAssets(isCritical)),
		Runbooks:   reg,
		Gates:      gates,
		Approvals:  approvals,
		Executor:   exec,
		Audit:      log,
		Store:      incidents,
		Metrics:    m,
		Critical:   isCritical,
	}, orchestrator.Config{ActionTimeout: 5 * time.Second, ReleaseOnClose: true}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		o.Shutdown()
		approvals.Stop()
	})
	return &harness{orch: o, sim: sim, ctl: ctl, approvals: approvals, log: log, store: st, metrics: m}
}

func bruteForce(source string) incident.DetectionEvent {
	return incident.DetectionEvent{
		TypeHint:    "brute_force",
		Description: "burst of failed logins against sshd",
		Source:      source,
		Target:      "bastion-01",
	}
}

func (h *harness) process(t *testing.T, ev incident.DetectionEvent) *incident.Incident {
	t.Helper()
	inc, err := h.orch.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return inc
}

func action(t *testing.T, inc *incident.Incident, name string) incident.PlannedAction {
	t.Helper()
	for _, pa := range inc.Actions {
		if pa.Name == name {
			return pa
		}
	}
	t.Fatalf("incident has no action %q", name)
	return incident.PlannedAction{}
}

func (h *harness) calls(kind runbook.ActionKind) int {
	n := 0
	for _, c := range h.sim.Calls() {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func (h *harness) verifyChain(t *testing.T) {
	t.Helper()
	if _, err := h.log.Verify(context.Background()); err != nil {
		t.Fatalf("audit chain does not verify: %v", err)
	}
}

func TestBruteForce_ExecutesAndCloses(t *testing.T) {
	h := newHarness(t, options{level: gate.L2})
	inc := h.process(t, bruteForce("203.0.113.7"))

	if inc.Stage != incident.StageClose {
		t.Fatalf("expected close, got %s (%s)", inc.Stage, inc.FailureReason)
	}
	for _, pa := range inc.Actions {
		if pa.Status != incident.ActionVerified {
			t.Errorf("%s: status %s, want verified", pa.Name, pa.Status)
		}
	}
	if !h.sim.Active(runbook.KindBlockIP, "203.0.113.7") {
		t.Fatal("source should be blocked")
	}
	if got := action(t, inc, "collect-auth-logs").Target; got != "bastion-01" {
		t.Errorf("gather target = %q", got)
	}
	if got := action(t, inc, "notify-soc").Target; got != inc.ID {
		t.Errorf("notify target = %q, want incident id", got)
	}
	if v := testutil.ToFloat64(h.metrics.IncidentsProcessed.WithLabelValues("brute_force", "close")); v != 1 {
		t.Errorf("incidents processed = %v", v)
	}
	snap, err := h.metrics.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if ttfa, _ := snap["time_to_first_action_seconds"].(map[string]any); ttfa["count"] != uint64(1) {
		t.Errorf("time to first action observations = %v", snap["time_to_first_action_seconds"])
	}
	h.verifyChain(t)
}

func TestL0_NoWriteExecutes(t *testing.T) {
	h := newHarness(t, options{level: gate.L0})
	inc := h.process(t, bruteForce("203.0.113.8"))

	if n := len(h.sim.Calls()); n != 0 {
		t.Fatalf("L0 executed %d actions", n)
	}
	if inc.Stage != incident.StageClose {
		t.Fatalf("expected close, got %s", inc.Stage)
	}
	if len(inc.Unresolved) != len(inc.Actions) {
		t.Fatalf("every action should be unresolved: %+v", inc.Unresolved)
	}
	for _, pa := range inc.Actions {
		d, _ := pa.Decision()
		if d.Outcome != gate.OutcomeBlocked || d.Gate != gate.GateAutonomy {
			t.Errorf("%s: decision %s/%s", pa.Name, d.Outcome, d.Gate)
		}
	}
}

func TestL1_OnlyReadOnlyExecutes(t *testing.T) {
	h := newHarness(t, options{level: gate.L1})
	inc := h.process(t, bruteForce("203.0.113.9"))

	if h.calls(runbook.KindBlockIP) != 0 {
		t.Fatal("L1 must not block addresses")
	}
	if h.calls(runbook.KindGatherContext) != 1 || h.calls(runbook.KindNotify) != 1 {
		t.Fatalf("read-only actions should run: %+v", h.sim.Calls())
	}
	if action(t, inc, "block-source").Status != incident.ActionBlocked {
		t.Fatal("block-source should be blocked")
	}
}

func TestBruteForceTwice_Cooldown(t *testing.T) {
	h := newHarness(t, options{level: gate.L2})
	first := h.process(t, bruteForce("198.51.100.4"))
	second := h.process(t, bruteForce("198.51.100.4"))

	if action(t, first, "block-source").Status != incident.ActionVerified {
		t.Fatal("first block should run")
	}
	blocked := action(t, second, "block-source")
	d, _ := blocked.Decision()
	if blocked.Status != incident.ActionBlocked || d.Gate != gate.GateCooldown {
		t.Fatalf("second block: status %s gate %s", blocked.Status, d.Gate)
	}
	if n := h.calls(runbook.KindBlockIP); n != 1 {
		t.Fatalf("block_ip executed %d times, want 1", n)
	}
	if v := testutil.ToFloat64(h.metrics.GateDecisions.WithLabelValues("blocked", "cooldown")); v != 1 {
		t.Errorf("cooldown decisions = %v", v)
	}
}

func TestPostconditionFailure_RollsBackOnce(t *testing.T) {
	h := newHarness(t, options{level: gate.L2})
	h.sim.BreakPostcondition(runbook.KindBlockIP, "192.0.2.10")
	inc := h.process(t, bruteForce("192.0.2.10"))

	if inc.Stage != incident.StageClose {
		t.Fatalf("successful rollback should close, got %s (%s)", inc.Stage, inc.FailureReason)
	}
	if inc.RollbackCycles() != 1 {
		t.Fatalf("rollback cycles = %d", inc.RollbackCycles())
	}
	pa := action(t, inc, "block-source")
	if pa.Status != incident.ActionRolledBack || pa.Rollback == nil || !pa.Rollback.Succeeded {
		t.Fatalf("block-source: status %s rollback %+v", pa.Status, pa.Rollback)
	}
	if len(inc.Compensations) != 1 || inc.Compensations[0].Kind != runbook.KindUnblockIP {
		t.Fatalf("expected one unblock compensation, got %+v", inc.Compensations)
	}
	if h.sim.Active(runbook.KindBlockIP, "192.0.2.10") {
		t.Fatal("block should have been undone")
	}
	if d, _ := inc.Compensations[0].Decision(); d.Gate != gate.GateNone || !d.Compensating {
		t.Fatalf("compensating decision: %+v", d)
	}
	if v := testutil.ToFloat64(h.metrics.PostconditionFailure); v != 1 {
		t.Errorf("postcondition failures = %v", v)
	}
	h.verifyChain(t)
}

func TestRollbackFailure_Fails(t *testing.T) {
	h := newHarness(t, options{level: gate.L2})
	h.sim.BreakPostcondition(runbook.KindBlockIP, "192.0.2.11")
	h.sim.FailExecute(runbook.KindUnblockIP, "192.0.2.11", errors.New("firewall unreachable"))
	inc := h.process(t, bruteForce("192.0.2.11"))

	if inc.Stage != incident.StageFailed {
		t.Fatalf("expected failed, got %s", inc.Stage)
	}
	if !strings.Contains(inc.FailureReason, "block-source") {
		t.Errorf("failure reason %q should name the action", inc.FailureReason)
	}
	pa := action(t, inc, "block-source")
	if pa.Status != incident.ActionRollbackFailed || pa.Rollback.Succeeded {
		t.Fatalf("rollback should fail: %+v", pa.Rollback)
	}
	if pa.Rollback.Attempts != 2 {
		t.Fatalf("compensating action should be retried once, attempts = %d", pa.Rollback.Attempts)
	}
	if n := h.calls(runbook.KindUnblockIP); n != 2 {
		t.Fatalf("unblock called %d times, want 2", n)
	}
}

func TestReadOnlyFailure_RollsBackAsNoop(t *testing.T) {
	h := newHarness(t, options{level: gate.L2})
	h.sim.FailExecute(runbook.KindGatherContext, "bastion-01", errors.New("agent offline"))
	inc := h.process(t, bruteForce("192.0.2.12"))

	if inc.Stage != incident.StageClose {
		t.Fatalf("expected close, got %s (%s)", inc.Stage, inc.FailureReason)
	}
	gather := action(t, inc, "collect-auth-logs")
	if gather.Status != incident.ActionRolledBack || !gather.Rollback.Succeeded {
		t.Fatalf("gather: %s %+v", gather.Status, gather.Rollback)
	}
	if action(t, inc, "block-source").Status != incident.ActionBlocked {
		t.Fatal("actions after a failure must be skipped")
	}
	if h.calls(runbook.KindBlockIP) != 0 {
		t.Fatal("skipped action executed")
	}
}

func waitPending(t *testing.T, m *approval.Manager) *approval.Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := m.Pending(""); len(p) > 0 {
			return p[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no approval request appeared")
	return nil
}

func malwareOn(host string) incident.DetectionEvent {
	return incident.DetectionEvent{
		TypeHint:    "edr_malware",
		Description: "trojan dropper executed",
		Source:      "edr",
		Target:      host,
	}
}

func TestDomainController_RequiresTwoRoles(t *testing.T) {
	h := newHarness(t, options{level: gate.L2, critical: []string{"dc-01"}})
	ctx := context.Background()
	submitted, err := h.orch.Submit(ctx, malwareOn("dc-01"))
	if err != nil {
		t.Fatal(err)
	}

	req := waitPending(t, h.approvals)
	if req.ActionName != "isolate-hosts" || req.RequiredCount != 2 {
		t.Fatalf("unexpected approval request: %+v", req)
	}
	commander := approval.Identity{ID: "alice", Roles: []string{"incident_commander"}}
	owner := approval.Identity{ID: "bob", Roles: []string{"asset_owner"}}

	after, err := h.approvals.Approve(ctx, req.ID, commander)
	if err != nil {
		t.Fatal(err)
	}
	if after.State != approval.StatePending {
		t.Fatalf("one approval must not satisfy quorum, state %s", after.State)
	}
	if h.sim.Active(runbook.KindIsolateHost, "dc-01") {
		t.Fatal("host isolated before quorum")
	}
	if _, err := h.approvals.Approve(ctx, req.ID, owner); err != nil {
		t.Fatal(err)
	}
	h.orch.Wait()

	inc, err := h.orch.Get(ctx, submitted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if inc.Stage != incident.StageClose {
		t.Fatalf("expected close, got %s (%s)", inc.Stage, inc.FailureReason)
	}
	if !h.sim.Active(runbook.KindIsolateHost, "dc-01") {
		t.Fatal("host should be isolated after quorum")
	}
	iso := action(t, inc, "isolate-hosts")
	if iso.ApprovalID != req.ID || iso.Status != incident.ActionVerified {
		t.Fatalf("isolate: %+v", iso)
	}
	last, _ := iso.Decision()
	if !last.Grant || last.Outcome != gate.OutcomeAllow {
		t.Fatalf("final decision should be a granted allow: %+v", last)
	}

	tr, err := h.orch.Trace(ctx, inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Approvals) != 1 || tr.Approvals[0].State != approval.StateApproved {
		t.Fatalf("trace approvals: %+v", tr.Approvals)
	}
}

func TestApprovalRejected_LeavesActionUnresolved(t *testing.T) {
	h := newHarness(t, options{level: gate.L2, critical: []string{"dc-02"}})
	ctx := context.Background()
	submitted, _ := h.orch.Submit(ctx, malwareOn("dc-02"))
	req := waitPending(t, h.approvals)
	if _, err := h.approvals.Reject(ctx, req.ID, approval.Identity{ID: "bob", Roles: []string{"asset_owner"}}, "business hours"); err != nil {
		t.Fatal(err)
	}
	h.orch.Wait()

	inc, _ := h.orch.Get(ctx, submitted.ID)
	if inc.Stage != incident.StageClose {
		t.Fatalf("expected close, got %s", inc.Stage)
	}
	if action(t, inc, "isolate-hosts").Status != incident.ActionBlocked {
		t.Fatal("rejected action must not run")
	}
	if h.calls(runbook.KindIsolateHost) != 0 {
		t.Fatal("rejected action executed")
	}
	if len(inc.Unresolved) == 0 || !strings.Contains(inc.Unresolved[0].Reason, "rejected") {
		t.Fatalf("unresolved: %+v", inc.Unresolved)
	}
}

// signalingExecutor reports when an action starts.
type signalingExecutor struct {
	adapter.Executor
	started chan runbook.ActionKind
}

func (s *signalingExecutor) Execute(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	select {
	case s.started <- req.Kind:
	default:
	}
	return s.Executor.Execute(ctx, req)
}

func TestKillSwitchMidIncident(t *testing.T) {
	t.Run("in-flight action", func(t *testing.T) {
		started := make(chan runbook.ActionKind, 4)
		h := newHarness(t, options{
			level: gate.L2,
			delay: 10 * time.Second,
			wrap: func(e adapter.Executor) adapter.Executor {
				return &signalingExecutor{Executor: e, started: started}
			},
		})
		submitted, err := h.orch.Submit(context.Background(), bruteForce("203.0.113.50"))
		if err != nil {
			t.Fatal(err)
		}
		select {
		case kind := <-started:
			if kind != runbook.KindGatherContext {
				t.Fatalf("first action = %s", kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("first action never started")
		}
		h.ctl.Engage("tester", "drill")
		h.orch.Wait()

		inc, _ := h.orch.Get(context.Background(), submitted.ID)
		gather := action(t, inc, "collect-auth-logs")
		if gather.Result == nil || !strings.Contains(gather.Result.Error, "kill-switch") {
			t.Fatalf("in-flight action should be interrupted: %+v", gather.Result)
		}
		block := action(t, inc, "block-source")
		d, _ := block.Decision()
		if block.Status != incident.ActionBlocked || !d.KillSwitch {
			t.Fatalf("later action should be blocked by the kill-switch: %s %+v", block.Status, d)
		}
		if h.sim.Active(runbook.KindBlockIP, "203.0.113.50") {
			t.Fatal("nothing may be blocked after the kill-switch")
		}
		if !inc.Stage.Terminal() {
			t.Fatalf("incident should finish, stage %s", inc.Stage)
		}
	})

	t.Run("approval wait", func(t *testing.T) {
		h := newHarness(t, options{level: gate.L2, critical: []string{"dc-03"}})
		ctx := context.Background()
		submitted, err := h.orch.Submit(ctx, malwareOn("dc-03"))
		if err != nil {
			t.Fatal(err)
		}
		req := waitPending(t, h.approvals)
		h.ctl.Engage("tester", "drill")

		finished := make(chan struct{})
		go func() {
			h.orch.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatal("incident still waiting on approval after the kill-switch engaged")
		}

		got, ok := h.approvals.Get(req.ID)
		if !ok || got.State != approval.StateExpired || !strings.Contains(got.Resolution, "kill-switch") {
			t.Fatalf("approval request = %+v", got)
		}
		inc, _ := h.orch.Get(ctx, submitted.ID)
		iso := action(t, inc, "isolate-hosts")
		d, _ := iso.Decision()
		if iso.Status != incident.ActionBlocked || !d.KillSwitch {
			t.Fatalf("isolate should be blocked by the kill-switch: %s %+v", iso.Status, d)
		}
		if h.calls(runbook.KindIsolateHost) != 0 {
			t.Fatal("isolation ran after the kill-switch")
		}
		if !inc.Stage.Terminal() {
			t.Fatalf("incident should finish, stage %s", inc.Stage)
		}
		h.verifyChain(t)
	})
}

func TestManualReview(t *testing.T) {
	h := newHarness(t, options{level: gate.L2, rules: append(incident.DefaultRules(), incident.Rule{
		Type:     "custom_detector",
		Aliases:  []string{"custom_detector"},
		Severity: incident.SeverityHigh,
		Runbook:  "not-registered",
	})})

	cases := []struct {
		name   string
		ev     incident.DetectionEvent
		reason string
	}{
		{"malformed", incident.DetectionEvent{TypeHint: "malware"}, "no source and no target"},
		{"unmatched", incident.DetectionEvent{TypeHint: "solar_flare", Source: "sensor-9"}, "no classification rule"},
		{"missing runbook", incident.DetectionEvent{TypeHint: "custom_detector", Source: "sensor-9"}, "no runbook registered"},
		{"precondition", incident.DetectionEvent{TypeHint: "brute_force", Target: "bastion-01"}, "precondition not met"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inc := h.process(t, tc.ev)
			if inc.Stage != incident.StageManualReview {
				t.Fatalf("expected manual_review, got %s", inc.Stage)
			}
			if !strings.Contains(inc.ManualReason, tc.reason) {
				t.Fatalf("manual reason %q should contain %q", inc.ManualReason, tc.reason)
			}
		})
	}
	if n := len(h.sim.Calls()); n != 0 {
		t.Fatalf("manual review incidents executed %d actions", n)
	}
}

func TestTrace(t *testing.T) {
	h := newHarness(t, options{level: gate.L2})
	inc := h.process(t, bruteForce("203.0.113.77"))

	tr, err := h.orch.Trace(context.Background(), inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := "intake,classify,runbook_select,plan,gate,execute,verify,close"
	if got := strings.Join(tr.Stages, ","); got != want {
		t.Fatalf("stages = %s", got)
	}
	if len(tr.Executed) != 3 || len(tr.Blocked) != 0 {
		t.Fatalf("executed=%d blocked=%d", len(tr.Executed), len(tr.Blocked))
	}
	if len(tr.Decisions) != 3 {
		t.Fatalf("decisions = %d", len(tr.Decisions))
	}
	kinds := map[audit.Kind]int{}
	for _, r := range tr.Audit {
		if r.IncidentID != inc.ID || r.CorrelationID != inc.CorrelationID {
			t.Fatalf("foreign record in trail: %+v", r)
		}
		kinds[r.Kind]++
	}
	if kinds[audit.KindClassification] != 1 || kinds[audit.KindGateDecision] != 3 ||
		kinds[audit.KindActionExecuted] != 3 || kinds[audit.KindVerification] != 3 {
		t.Fatalf("unexpected audit kinds: %v", kinds)
	}
}

func TestRecover_FailsInterruptedIncidents(t *testing.T) {
	h := newHarness(t, options{level: gate.L2})
	ctx := context.Background()

	c := incident.NewClassifier(nil, 0, zerolog.Nop())
	stale := c.Classify(bruteForce("198.51.100.99"))
	now := time.Now().UTC()
	for _, s := range []incident.Stage{incident.StageClassify, incident.StageRunbookSelect, incident.StagePlan, incident.StageGate, incident.StageExecute} {
		if err := stale.Advance(s, "before restart", now); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.store.SaveIncident(ctx, stale); err != nil {
		t.Fatal(err)
	}
	closed := h.process(t, bruteForce("198.51.100.98"))

	n, err := h.orch.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d incidents, want 1", n)
	}
	got, err := h.orch.Get(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != incident.StageFailed || got.FailureReason != "interrupted by restart" {
		t.Fatalf("stale incident: %s %q", got.Stage, got.FailureReason)
	}
	again, _ := h.orch.Get(ctx, closed.ID)
	if again.Stage != incident.StageClose {
		t.Fatal("terminal incidents must be left alone")
	}
	h.verifyChain(t)
}

func TestShutdownRejectsNewIncidents(t *testing.T) {
	h := newHarness(t, options{level: gate.L2})
	h.orch.Shutdown()
	if _, err := h.orch.Submit(context.Background(), bruteForce("203.0.113.1")); !errors.Is(err, orchestrator.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestPersistFailure_AtIntakeRejectsDetection(t *testing.T) {
	h := newHarness(t, options{
		level:     gate.L2,
		saveFails: func(inc *incident.Incident) bool { return inc.Stage == incident.StageIntake },
	})
	if _, err := h.orch.Process(context.Background(), bruteForce("203.0.113.60")); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected intake to fail, got %v", err)
	}
	if _, err := h.orch.Submit(context.Background(), bruteForce("203.0.113.61")); err == nil {
		t.Fatal("Submit accepted a detection it could not persist")
	}
	if h.orch.Active() != 0 {
		t.Fatalf("%d incidents left live", h.orch.Active())
	}
	if len(h.sim.Calls()) != 0 {
		t.Fatal("adapters ran for an unpersisted incident")
	}
}

func TestPersistFailure_MidPipelineFailsIncident(t *testing.T) {
	h := newHarness(t, options{
		level:     gate.L2,
		saveFails: func(inc *incident.Incident) bool { return inc.Stage == incident.StageExecute },
	})
	ctx := context.Background()
	inc := h.process(t, bruteForce("203.0.113.62"))
	if inc.Stage != incident.StageFailed || !strings.Contains(inc.FailureReason, "disk full") {
		t.Fatalf("stage %s, reason %q", inc.Stage, inc.FailureReason)
	}
	if h.calls(runbook.KindBlockIP) != 0 {
		t.Fatal("actions ran after the incident could not be saved")
	}

	stored, err := h.store.GetIncident(ctx, inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Stage != incident.StageFailed {
		t.Fatalf("stored stage = %s", stored.Stage)
	}
	trail, err := h.log.Trail(ctx, inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := trail[len(trail)-1]
	if last.Kind != audit.KindStageTransition || !strings.Contains(last.Message, "persisting incident") {
		t.Fatalf("last audit record = %+v", last)
	}
	h.verifyChain(t)
}

func TestPersistFailure_AtCloseIsAudited(t *testing.T) {
	h := newHarness(t, options{
		level:     gate.L2,
		saveFails: func(inc *incident.Incident) bool { return inc.Stage == incident.StageClose },
	})
	ctx := context.Background()
	inc := h.process(t, bruteForce("203.0.113.63"))
	if inc.Stage != incident.StageClose {
		t.Fatalf("stage = %s", inc.Stage)
	}
	trail, err := h.log.Trail(ctx, inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range trail {
		if r.Kind == audit.KindPersistence && strings.Contains(r.Message, "disk full") {
			found = true
		}
	}
	if !found {
		t.Fatal("store failure at close left no audit record")
	}
	h.verifyChain(t)
}
