// Package metrics exposes engine counters in Prometheus format and as a JSON
// snapshot for the API.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

// Metrics holds the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	IncidentsProcessed   *prometheus.CounterVec
	GateDecisions        *prometheus.CounterVec
	Actions              *prometheus.CounterVec
	Approvals            *prometheus.CounterVec
	TimeToFirstAction    prometheus.Histogram
	PostconditionFailure prometheus.Counter
	InFlight             prometheus.Gauge
	KillSwitch           prometheus.Gauge
	AutonomyLevel        prometheus.Gauge
}

// New registers the collectors on a fresh registry. withRuntime adds the Go
// runtime and process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		IncidentsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_processed_total",
			Help:      "Incidents that reached a terminal stage",
		}, []string{"type", "outcome"}),
		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Safety gate decisions by outcome and deciding gate",
		}, []string{"outcome", "gate"}),
		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Runbook actions by final status",
		}, []string{"status"}),
		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Approval requests by resolution",
		}, []string{"state"}),
		TimeToFirstAction: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_action_seconds",
			Help:      "Time from incident creation to its first executed action",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
		}),
		PostconditionFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postcondition_failures_total",
			Help:      "Executed actions whose postcondition did not hold",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "incidents_in_flight",
			Help:      "Incidents currently being driven",
		}),
		KillSwitch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kill_switch_engaged",
			Help:      "1 while the kill-switch is engaged",
		}),
		AutonomyLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "autonomy_level",
			Help:      "Effective autonomy level (0-3)",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncidentDone(incidentType, outcome string) {
	if m == nil {
		return
	}
	m.IncidentsProcessed.WithLabelValues(incidentType, outcome).Inc()
}

func (m *Metrics) GateDecision(outcome, gate string) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(outcome, gate).Inc()
}

func (m *Metrics) Action(status string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(status).Inc()
}

func (m *Metrics) ApprovalResolved(state string) {
	if m == nil {
		return
	}
	m.Approvals.WithLabelValues(state).Inc()
}

func (m *Metrics) FirstAction(d time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstAction.Observe(d.Seconds())
}

func (m *Metrics) PostconditionFailed() {
	if m == nil {
		return
	}
	m.PostconditionFailure.Inc()
}

func (m *Metrics) IncidentStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) IncidentFinished() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

func (m *Metrics) SetControl(level int, killed bool) {
	if m == nil {
		return
	}
	m.AutonomyLevel.Set(float64(level))
	if killed {
		m.KillSwitch.Set(1)
	} else {
		m.KillSwitch.Set(0)
	}
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Snapshot returns the warden_ families keyed by name without the namespace
// prefix. Labelled series are keyed by "k=v,k=v"; histograms report count and
// sum.
func (m *Metrics) Snapshot() (map[string]any, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(families))
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, namespace+"_") {
			continue
		}
		name = strings.TrimPrefix(name, namespace+"_")
		series := make(map[string]any, len(mf.GetMetric()))
		for _, mt := range mf.GetMetric() {
			labels := make([]string, 0, len(mt.GetLabel()))
			for _, lp := range mt.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(labels)
			key := strings.Join(labels, ",")

			var v any
			switch {
			case mt.GetCounter() != nil:
				v = mt.GetCounter().GetValue()
			case mt.GetGauge() != nil:
				v = mt.GetGauge().GetValue()
			case mt.GetHistogram() != nil:
				v = map[string]any{
					"count": mt.GetHistogram().GetSampleCount(),
					"sum":   mt.GetHistogram().GetSampleSum(),
				}
			}
			if key == "" {
				out[name] = v
				continue
			}
			series[key] = v
		}
		if len(series) > 0 {
			out[name] = series
		}
	}
	return out, nil
}
