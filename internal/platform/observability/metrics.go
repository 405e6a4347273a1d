package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	lockAttempts     *prometheus.CounterVec
	releaseDecisions *prometheus.CounterVec
	releasedQuantity prometheus.Counter
	outboxPublished  prometheus.Counter
	lookupDuration   *prometheus.HistogramVec
	sweeperReleased  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_lock_attempts_total",
			Help: "Lock attempts by result.",
		}, []string{"result"}),
		releaseDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_release_decisions_total",
			Help: "Release decisions by entry point and outcome.",
		}, []string{"source", "outcome"}),
		releasedQuantity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_released_quantity_total",
			Help: "Units returned to the ledger.",
		}),
		outboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_outbox_published_total",
			Help: "Outbox rows handed to the compensation channel.",
		}),
		lookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stock_lookup_duration_seconds",
			Help:    "Latency of calls to external lookups.",
			Buckets: prometheus.DefBuckets,
		}, []string{"lookup", "result"}),
		sweeperReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_sweeper_released_total",
			Help: "Tasks released by the sweeper by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.lockAttempts,
		m.releaseDecisions,
		m.releasedQuantity,
		m.outboxPublished,
		m.lookupDuration,
		m.sweeperReleased,
	)
	return m
}

func (m *Metrics) LockAttempt(result string) {
	if m == nil {
		return
	}
	m.lockAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ReleaseDecision(source, outcome string) {
	if m == nil {
		return
	}
	m.releaseDecisions.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) Released(quantity int) {
	if m == nil {
		return
	}
	m.releasedQuantity.Add(float64(quantity))
}

func (m *Metrics) OutboxPublished(n int) {
	if m == nil {
		return
	}
	m.outboxPublished.Add(float64(n))
}

func (m *Metrics) ObserveLookup(lookup string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.lookupDuration.WithLabelValues(lookup, result).Observe(time.Since(started).Seconds())
}

func (m *Metrics) SweeperReleased(reason string) {
	if m == nil {
		return
	}
	m.sweeperReleased.WithLabelValues(reason).Inc()
}
