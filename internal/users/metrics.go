package users

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeFound     = "found"
	outcomeCreated   = "created"
	outcomeRecovered = "recovered"
	outcomeExhausted = "exhausted"
	outcomeFailed    = "failed"
)

// Metrics tracks identity sync outcomes. A nil *Metrics records nothing.
type Metrics struct {
	SyncTotal    *prometheus.CounterVec
	SyncAttempts prometheus.Histogram
	SyncDuration prometheus.Histogram
}

// NewMetrics registers identity sync metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_sync_total",
				Help: "Identity sync calls by outcome",
			},
			[]string{"outcome"}, // found, created, recovered, exhausted, failed
		),
		SyncAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "identity_sync_attempts",
				Help:    "Create attempts used per identity sync",
				Buckets: []float64{1, 2, 3, 5, 10},
			},
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "identity_sync_duration_seconds",
				Help:    "Identity sync latency including lock wait",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	reg.MustRegister(m.SyncTotal, m.SyncAttempts, m.SyncDuration)
	return m
}

func (m *Metrics) recordSync(outcome string, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SyncTotal.WithLabelValues(outcome).Inc()
	m.SyncAttempts.Observe(float64(attempts))
	m.SyncDuration.Observe(elapsed.Seconds())
}
