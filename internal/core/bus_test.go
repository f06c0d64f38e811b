package core

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/incident"
)

func newTestBus(t *testing.T) *EventBus {
	t.Helper()
	bus, err := NewEventBus(&BusConfig{Enabled: true, Embedded: true, Port: -1, DataDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEventBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestSubjectToken(t *testing.T) {
	cases := map[string]string{
		"203.0.113.7":   "203_0_113_7",
		"":              "unknown",
		"edr sensor>1*": "edr_sensor_1_",
	}
	for in, want := range cases {
		if got := subjectToken(in); got != want {
			t.Errorf("subjectToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEventBus_DetectionRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	if !bus.IsConnected() {
		t.Fatal("bus should be connected")
	}

	got := make(chan incident.DetectionEvent, 1)
	err := bus.SubscribeDetections(t.Context(), func(_ context.Context, ev incident.DetectionEvent) error {
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribeDetections: %v", err)
	}

	sent := incident.DetectionEvent{ID: "evt-1", TypeHint: "brute_force", Source: "203.0.113.7", Target: "bastion-01"}
	if err := bus.PublishDetection(sent); err != nil {
		t.Fatalf("PublishDetection: %v", err)
	}

	select {
	case ev := <-got:
		if ev.ID != "evt-1" || ev.Source != "203.0.113.7" || ev.TypeHint != "brute_force" {
			t.Errorf("received %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("detection was not delivered")
	}

	m := bus.GetMetrics()
	if m["detections_received"] != 1 || m["messages_published"] < 1 {
		t.Errorf("metrics = %v", m)
	}
}

func TestEventBus_RejectedDetectionIsNotRedelivered(t *testing.T) {
	bus := newTestBus(t)

	calls := make(chan struct{}, 4)
	err := bus.SubscribeDetections(t.Context(), func(context.Context, incident.DetectionEvent) error {
		calls <- struct{}{}
		return ErrRejectDetection
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.PublishDetection(incident.DetectionEvent{ID: "evt-bad", Source: "x"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("detection was not delivered")
	}
	select {
	case <-calls:
		t.Fatal("terminated detection must not be redelivered")
	case <-time.After(500 * time.Millisecond):
	}
	if got := bus.GetMetrics()["detections_rejected"]; got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}
}

func TestEngine_IngestsDetectionsFromBus(t *testing.T) {
	cfg := testConfig()
	cfg.Bus = BusConfig{Enabled: true, Embedded: true, Port: -1, DataDir: t.TempDir()}
	e := newTestEngine(t, cfg)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.Bus() == nil {
		t.Fatal("bus should be running")
	}

	err := e.Bus().PublishDetection(incident.DetectionEvent{
		ID:          "evt-bus-1",
		TypeHint:    "brute_force",
		Description: "failed logins",
		Source:      "198.51.100.30",
		Target:      "bastion-01",
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		incs, err := e.Orchestrator.List(context.Background(), incident.Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(incs) == 1 && incs[0].EventID == "evt-bus-1" {
			e.Orchestrator.Wait()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("detection published on the bus never became an incident")
}
