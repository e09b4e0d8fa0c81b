package remotefs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for sessions and operations. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	transferBytes     *prometheus.CounterVec
	sessions          *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotefs_operations_total",
				Help: "Total number of file operations by outcome",
			},
			[]string{"op", "result"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "remotefs_operation_duration_seconds",
				Help:    "File operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		transferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remotefs_transfer_bytes_total",
				Help: "Bytes moved by read, write, get and put operations",
			},
			[]string{"direction"},
		),
		sessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "remotefs_sessions",
				Help: "Number of sessions per lifecycle state",
			},
			[]string{"state"},
		),
	}
}

// RecordOperation records one finished operation.
func (m *Metrics) RecordOperation(op OpKind, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(op.String(), result).Inc()
	m.operationDuration.WithLabelValues(op.String()).Observe(duration.Seconds())
}

// RecordTransfer adds n bytes in the given direction ("upload" or "download").
func (m *Metrics) RecordTransfer(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.transferBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordTransition moves one session from one state gauge to another.
func (m *Metrics) RecordTransition(from, to State) {
	if m == nil {
		return
	}
	if from != StateAbsent {
		m.sessions.WithLabelValues(from.String()).Dec()
	}
	if to != StateAbsent {
		m.sessions.WithLabelValues(to.String()).Inc()
	}
}
