// Package telemetry exposes orchestration metrics for Prometheus and sets up
// OpenTelemetry tracing.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kingrea/forge/internal/events"
	"github.com/kingrea/forge/internal/phase"
)

// Metrics holds the forge collectors. It implements events.Publisher so it
// can sit on the orchestrator's event fan-out.
//
// Metrics:
//   - forge_batches_total{state}
//   - forge_contracts_total{outcome}
//   - forge_contracts_running
//   - forge_contract_blocks_total{class}
//   - forge_phase_transitions_total{phase,edge}
//   - forge_phase_duration_seconds{phase}
//   - forge_approvals_total{decision}
//   - forge_artifact_writes_total
type Metrics struct {
	registry *prometheus.Registry

	BatchesTotal     *prometheus.CounterVec
	ContractsTotal   *prometheus.CounterVec
	ContractsRunning prometheus.Gauge
	BlocksTotal      *prometheus.CounterVec
	PhaseTransitions *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	ApprovalsTotal   *prometheus.CounterVec
	ArtifactWrites   prometheus.Counter

	mu      sync.Mutex
	entered map[string]time.Time
}

// NewMetrics registers the forge collectors, plus the Go and process
// collectors, on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_batches_total",
			Help: "Batches by lifecycle state (submitted, completed, cancelled)",
		}, []string{"state"}),
		ContractsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_contracts_total",
			Help: "Contract runs by outcome",
		}, []string{"outcome"}),
		ContractsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "forge_contracts_running",
			Help: "Contracts currently inside a phase run",
		}),
		BlocksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_contract_blocks_total",
			Help: "Blocked contracts by failure class; inherited blocks use class dependency",
		}, []string{"class"}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_phase_transitions_total",
			Help: "Phase entries and exits",
		}, []string{"phase", "edge"}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_phase_duration_seconds",
			Help:    "Time spent in each phase",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"phase"}),
		ApprovalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_approvals_total",
			Help: "Approval requests and their resolutions",
		}, []string{"decision"}),
		ArtifactWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "forge_artifact_writes_total",
			Help: "Targets written to the registry",
		}),
		entered: map[string]time.Time{},
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type phaseEvent struct {
	Phase phase.Phase `json:"phase"`
	At    time.Time   `json:"at"`
	Error string      `json:"error,omitempty"`
}

type blockEvent struct {
	Class      string `json:"class"`
	Dependency string `json:"dependency"`
}

type summaryEvent struct {
	Written int `json:"written"`
}

type approvalEvent struct {
	Decision string `json:"decision"`
}

type batchEvent struct {
	State string `json:"state"`
}

// Publish updates collectors from one orchestration event.
func (m *Metrics) Publish(e events.Event) {
	switch e.Type {
	case events.BatchSubmitted:
		m.BatchesTotal.WithLabelValues("submitted").Inc()
	case events.BatchFinished:
		var payload batchEvent
		if e.Decode(&payload) == nil && payload.State != "" {
			m.BatchesTotal.WithLabelValues(payload.State).Inc()
		}
	case events.ContractStarted:
		m.ContractsRunning.Inc()
	case events.ContractSucceeded:
		m.ContractsRunning.Dec()
		m.ContractsTotal.WithLabelValues("succeeded").Inc()
		var payload summaryEvent
		if e.Decode(&payload) == nil && payload.Written > 0 {
			m.ArtifactWrites.Add(float64(payload.Written))
		}
	case events.ContractBlocked:
		m.ContractsTotal.WithLabelValues("blocked").Inc()
		var payload blockEvent
		_ = e.Decode(&payload)
		switch {
		case payload.Dependency != "":
			m.BlocksTotal.WithLabelValues("dependency").Inc()
		case payload.Class != "":
			m.ContractsRunning.Dec()
			m.BlocksTotal.WithLabelValues(payload.Class).Inc()
		default:
			m.BlocksTotal.WithLabelValues("cancelled").Inc()
		}
	case events.PhaseEntered:
		var payload phaseEvent
		if e.Decode(&payload) != nil {
			return
		}
		m.PhaseTransitions.WithLabelValues(payload.Phase.String(), "entered").Inc()
		m.mu.Lock()
		m.entered[phaseKey(e, payload.Phase)] = payload.At
		m.mu.Unlock()
	case events.PhaseExited:
		var payload phaseEvent
		if e.Decode(&payload) != nil {
			return
		}
		edge := "exited"
		if payload.Error != "" {
			edge = "failed"
		}
		m.PhaseTransitions.WithLabelValues(payload.Phase.String(), edge).Inc()
		key := phaseKey(e, payload.Phase)
		m.mu.Lock()
		start, ok := m.entered[key]
		delete(m.entered, key)
		m.mu.Unlock()
		if ok && !payload.At.Before(start) {
			m.PhaseDuration.WithLabelValues(payload.Phase.String()).Observe(payload.At.Sub(start).Seconds())
		}
	case events.ApprovalRequested, events.ApprovalResolved:
		var payload approvalEvent
		if e.Decode(&payload) == nil && payload.Decision != "" {
			m.ApprovalsTotal.WithLabelValues(payload.Decision).Inc()
		}
	}
}

func phaseKey(e events.Event, p phase.Phase) string {
	return e.BatchID + "/" + e.ContractID + "/" + p.String()
}
