package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeliveryMetrics tracks the delivery worker's outcomes.
type DeliveryMetrics struct {
	sent         prometheus.Counter
	retried      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	leaseLost    prometheus.Counter
	sendDuration *prometheus.HistogramVec
	pending      prometheus.Gauge
}

func NewDeliveryMetrics(reg prometheus.Registerer) *DeliveryMetrics {
	if reg == nil {
		return &DeliveryMetrics{}
	}
	m := &DeliveryMetrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "sent_total",
			Help:      "Delivery tasks acknowledged after a successful send.",
		}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "retried_total",
			Help:      "Delivery tasks rescheduled after a transient failure.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "dropped_total",
			Help:      "Delivery tasks abandoned without a successful send.",
		}, []string{"reason"}),
		leaseLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "lease_lost_total",
			Help:      "Acks rejected because another worker took over the task.",
		}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Latency of email transport calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "pending_tasks",
			Help:      "Tasks waiting in the delivery queue.",
		}),
	}
	reg.MustRegister(m.sent, m.retried, m.dropped, m.leaseLost, m.sendDuration, m.pending)
	return m
}

func (m *DeliveryMetrics) IncSent() {
	if m == nil || m.sent == nil {
		return
	}
	m.sent.Inc()
}

func (m *DeliveryMetrics) IncRetried(kind string) {
	if m == nil || m.retried == nil {
		return
	}
	m.retried.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (m *DeliveryMetrics) IncDropped(reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *DeliveryMetrics) IncLeaseLost() {
	if m == nil || m.leaseLost == nil {
		return
	}
	m.leaseLost.Inc()
}

func (m *DeliveryMetrics) ObserveSend(outcome string, d time.Duration) {
	if m == nil || m.sendDuration == nil {
		return
	}
	m.sendDuration.WithLabelValues(normalizeLabel(outcome)).Observe(d.Seconds())
}

func (m *DeliveryMetrics) SetPending(n int64) {
	if m == nil || m.pending == nil {
		return
	}
	m.pending.Set(float64(n))
}
