package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New(false)
	m.GateDecision("blocked", "cooldown")
	m.GateDecision("blocked", "cooldown")
	m.GateDecision("allow", "none")
	m.Action("executed")
	m.PostconditionFailed()
	m.IncidentDone("brute_force", "close")

	if v := testutil.ToFloat64(m.GateDecisions.WithLabelValues("blocked", "cooldown")); v != 2 {
		t.Fatalf("expected 2 cooldown blocks, got %v", v)
	}
	if v := testutil.ToFloat64(m.PostconditionFailure); v != 1 {
		t.Fatalf("expected 1 postcondition failure, got %v", v)
	}
	if n := testutil.CollectAndCount(m.GateDecisions); n != 2 {
		t.Fatalf("expected 2 gate decision series, got %d", n)
	}
}

func TestInFlightAndControl(t *testing.T) {
	m := New(false)
	m.IncidentStarted()
	m.IncidentStarted()
	m.IncidentFinished()
	if v := testutil.ToFloat64(m.InFlight); v != 1 {
		t.Fatalf("expected 1 in flight, got %v", v)
	}
	m.SetControl(2, true)
	if testutil.ToFloat64(m.KillSwitch) != 1 || testutil.ToFloat64(m.AutonomyLevel) != 2 {
		t.Fatal("control gauges not set")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.GateDecision("allow", "none")
	m.FirstAction(time.Second)
	m.IncidentStarted()
}

func TestSnapshotAndHandler(t *testing.T) {
	m := New(false)
	m.Action("blocked")
	m.FirstAction(1500 * time.Millisecond)

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	actions, ok := snap["actions_total"].(map[string]any)
	if !ok || actions["status=blocked"] != float64(1) {
		t.Fatalf("unexpected actions snapshot: %v", snap["actions_total"])
	}
	hist, ok := snap["time_to_first_action_seconds"].(map[string]any)
	if !ok || hist["count"] != uint64(1) {
		t.Fatalf("unexpected histogram snapshot: %v", snap["time_to_first_action_seconds"])
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `warden_actions_total{status="blocked"} 1`) {
		t.Fatalf("exposition missing actions counter:\n%s", body)
	}
}
