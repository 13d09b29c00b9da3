package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes counters and histograms for conversation turns and the
// chat store. All methods are safe to call on a nil *Metrics.
type Metrics struct {
	turnsTotal     *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	fragmentsTotal prometheus.Counter
	storeOpsTotal  *prometheus.CounterVec
	storeDuration  *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg gets a private registry so
// that several instances can coexist in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "luna",
			Subsystem: "turns",
			Name:      "total",
			Help:      "Conversation turns by terminal state",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "luna",
			Subsystem: "turns",
			Name:      "duration_seconds",
			Help:      "Time from submission to terminal state",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "luna",
			Subsystem: "provider",
			Name:      "retries_total",
			Help:      "Provider requests retried after a transient error",
		}, []string{"model"}),
		fragmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "luna",
			Subsystem: "provider",
			Name:      "fragments_total",
			Help:      "Streamed response fragments received",
		}),
		storeOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "luna",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Chat store operations by result",
		}, []string{"op", "status"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "luna",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Latency of chat store operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(
		m.turnsTotal, m.turnDuration, m.retriesTotal,
		m.fragmentsTotal, m.storeOpsTotal, m.storeDuration,
	)
	return m
}

func (m *Metrics) ObserveTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveRetry(model string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(model).Inc()
}

func (m *Metrics) ObserveFragment() {
	if m == nil {
		return
	}
	m.fragmentsTotal.Inc()
}

func (m *Metrics) ObserveStoreOp(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.storeOpsTotal.WithLabelValues(op, status).Inc()
	m.storeDuration.WithLabelValues(op).Observe(d.Seconds())
}
