package auth

import "github.com/prometheus/client_golang/prometheus"

const (
	resultAccepted = "accepted"
	classUnknown   = "unknown"
)

// Metrics counts token validation outcomes.
type Metrics struct {
	ValidationsTotal *prometheus.CounterVec
}

// NewMetrics registers token validation metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_validation_total",
				Help: "Bearer token validations by token class and result",
			},
			[]string{"class", "result"}, // result: accepted or a rejection reason
		),
	}
	reg.MustRegister(m.ValidationsTotal)
	return m
}

// RecordValidation counts one validation. An empty reason means the token was accepted.
func (m *Metrics) RecordValidation(class TokenClass, reason Reason) {
	if m == nil {
		return
	}
	classLabel := string(class)
	if classLabel == "" {
		classLabel = classUnknown
	}
	result := resultAccepted
	if reason != "" {
		result = string(reason)
	}
	m.ValidationsTotal.WithLabelValues(classLabel, result).Inc()
}
