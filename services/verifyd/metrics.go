package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the Prometheus instruments exported by the service.
type Metrics struct {
	verifications  *prometheus.CounterVec
	verifyLatency  prometheus.Histogram
	sessionsActive prometheus.GaugeFunc
}

// NewMetrics registers the service instruments against reg.
func NewMetrics(reg prometheus.Registerer, sessions *SessionStore) *Metrics {
	m := &Metrics{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veilpay",
			Subsystem: "verifyd",
			Name:      "verifications_total",
			Help:      "Verification calls segmented by outcome reason.",
		}, []string{"outcome"}),
		verifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "veilpay",
			Subsystem: "verifyd",
			Name:      "verify_duration_seconds",
			Help:      "Latency distribution for POST /verify.",
			Buckets:   prometheus.DefBuckets,
		}),
		sessionsActive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "veilpay",
			Subsystem: "verifyd",
			Name:      "sessions_active",
			Help:      "Approximate count of in-memory payment sessions.",
		}, func() float64 {
			if sessions == nil {
				return 0
			}
			return float64(sessions.Len())
		}),
	}
	reg.MustRegister(m.verifications, m.verifyLatency, m.sessionsActive)
	return m
}

func (m *Metrics) observeVerify(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
	m.verifyLatency.Observe(seconds)
}
