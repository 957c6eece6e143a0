package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// IdempotencyMetrics tracks how issue requests resolved against the idempotency store.
type IdempotencyMetrics struct {
	outcomes *prometheus.CounterVec
	stale    prometheus.Gauge
}

func NewIdempotencyMetrics(reg prometheus.Registerer) *IdempotencyMetrics {
	if reg == nil {
		return &IdempotencyMetrics{}
	}
	m := &IdempotencyMetrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "requests_total",
			Help:      "Issue requests by outcome (started, replayed, cached, conflict).",
		}, []string{"outcome"}),
		stale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "stale_reservations",
			Help:      "Reservations still in progress past the stale threshold.",
		}),
	}
	reg.MustRegister(m.outcomes, m.stale)
	return m
}

func (m *IdempotencyMetrics) IncOutcome(outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *IdempotencyMetrics) SetStale(n int64) {
	if m == nil || m.stale == nil {
		return
	}
	m.stale.Set(float64(n))
}

// OutcomeCounter exposes the counter for one outcome label.
func (m *IdempotencyMetrics) OutcomeCounter(outcome string) (prometheus.Counter, error) {
	if m == nil || m.outcomes == nil {
		return nil, errors.New("idempotency metrics not registered")
	}
	return m.outcomes.GetMetricWithLabelValues(normalizeLabel(outcome))
}
