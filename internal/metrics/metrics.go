// Package metrics defines the Prometheus collectors for Converge and a
// store.Gateway decorator that feeds the per-operation ones.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftline/converge/internal/store"
)

// Operation result statuses used as label values.
const (
	StatusOK        = "ok"
	StatusNotFound  = "not_found"
	StatusConflict  = "conflict"
	StatusInvalid   = "invalid"
	StatusTransport = "transport"
)

// Poll outcomes used as label values.
const (
	PollConverged = "converged"
	PollTimeout   = "timeout"
	PollCancelled = "cancelled"
	PollTransport = "transport"
)

// Metrics contains all Converge collectors.
type Metrics struct {
	// StoreOps counts gateway calls by operation and result status.
	StoreOps *prometheus.CounterVec

	// StoreLatency observes gateway call duration by operation.
	StoreLatency *prometheus.HistogramVec

	// PollAttempts observes how many index queries each convergence wait
	// needed.
	PollAttempts prometheus.Histogram

	// PollOutcomes counts convergence waits by outcome.
	PollOutcomes *prometheus.CounterVec

	// BatchOutcomes counts per-item batch outcomes by operation and
	// status.
	BatchOutcomes *prometheus.CounterVec

	// HitExpansions counts correlator hit resolutions by result.
	HitExpansions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() (or prometheus.DefaultRegisterer) depending on
// how the embedding program exposes metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StoreOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "converge",
				Subsystem: "store",
				Name:      "ops_total",
				Help:      "Total gateway operations by result status",
			},
			[]string{"op", "status"},
		),

		StoreLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "converge",
				Subsystem: "store",
				Name:      "op_duration_seconds",
				Help:      "Gateway operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		PollAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "converge",
				Subsystem: "poller",
				Name:      "attempts",
				Help:      "Index queries issued per convergence wait",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),

		PollOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "converge",
				Subsystem: "poller",
				Name:      "outcomes_total",
				Help:      "Convergence waits by outcome",
			},
			[]string{"outcome"},
		),

		BatchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "converge",
				Subsystem: "batch",
				Name:      "item_outcomes_total",
				Help:      "Per-item batch outcomes by operation and status",
			},
			[]string{"op", "status"},
		),

		HitExpansions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "converge",
				Subsystem: "correlator",
				Name:      "hit_expansions_total",
				Help:      "Index hit resolutions by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.StoreOps,
		m.StoreLatency,
		m.PollAttempts,
		m.PollOutcomes,
		m.BatchOutcomes,
		m.HitExpansions,
	)
	return m
}

// RecordStoreOp records one gateway call.
func (m *Metrics) RecordStoreOp(op string, err error, d time.Duration) {
	m.StoreOps.WithLabelValues(op, StatusOf(err)).Inc()
	m.StoreLatency.WithLabelValues(op).Observe(d.Seconds())
}

// RecordPoll records one completed convergence wait.
func (m *Metrics) RecordPoll(outcome string, attempts int) {
	m.PollOutcomes.WithLabelValues(outcome).Inc()
	m.PollAttempts.Observe(float64(attempts))
}

// RecordBatchOutcomes adds n per-item outcomes for a batch operation.
func (m *Metrics) RecordBatchOutcomes(op, status string, n int) {
	if n <= 0 {
		return
	}
	m.BatchOutcomes.WithLabelValues(op, status).Add(float64(n))
}

// RecordHitExpansion records one correlator hit resolution.
func (m *Metrics) RecordHitExpansion(result string) {
	m.HitExpansions.WithLabelValues(result).Inc()
}

// StatusOf classifies a gateway error into a result status label.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, store.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return StatusConflict
	case errors.Is(err, store.ErrInvalidInput):
		return StatusInvalid
	case store.IsTransport(err):
		return StatusTransport
	default:
		return "error"
	}
}
