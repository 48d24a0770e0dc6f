package stock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const (
	outcomeFull     = "full"
	outcomePartial  = "partial"
	outcomeRejected = "rejected"
)

// Metrics exposes Prometheus collectors for the stock core. A nil *Metrics is
// a no-op.
type Metrics struct {
	allocations *prometheus.CounterVec
	shortfall   *prometheus.CounterVec
	conflicts   prometheus.Counter
	reversals   *prometheus.CounterVec
	reconciles  *prometheus.CounterVec
	degraded    *prometheus.GaugeVec
}

// NewMetrics registers the stock collectors against the registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foodstock_allocations_total",
			Help: "FIFO allocations partitioned by source kind and outcome.",
		}, []string{"source", "outcome"}),
		shortfall: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foodstock_allocation_shortfall_total",
			Help: "Quantity requested but not available, summed per source kind.",
		}, []string{"source"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foodstock_tx_conflict_retries_total",
			Help: "Stock transactions re-run after a concurrency conflict.",
		}),
		reversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foodstock_usage_reversals_total",
			Help: "Usage reversals partitioned by status.",
		}, []string{"status"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foodstock_reconcile_total",
			Help: "Aggregate reconciliation passes partitioned by kind and status.",
		}, []string{"kind", "status"}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "foodstock_aggregates_degraded",
			Help: "1 when the last reconciliation of an aggregate kind failed.",
		}, []string{"kind"}),
	}
	registerer.MustRegister(m.allocations, m.shortfall, m.conflicts, m.reversals, m.reconciles, m.degraded)
	return m
}

func (m *Metrics) observeAllocation(kind SourceKind, outcome string, shortfall decimal.Decimal) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(string(kind), outcome).Inc()
	if shortfall.IsPositive() {
		m.shortfall.WithLabelValues(string(kind)).Add(shortfall.InexactFloat64())
	}
}

func (m *Metrics) observeConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) observeReversal(ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "rejected"
	}
	m.reversals.WithLabelValues(status).Inc()
}

func (m *Metrics) observeReconcile(kind AggregateKind, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.reconciles.WithLabelValues(string(kind), "failure").Inc()
		m.degraded.WithLabelValues(string(kind)).Set(1)
		return
	}
	m.reconciles.WithLabelValues(string(kind), "success").Inc()
	m.degraded.WithLabelValues(string(kind)).Set(0)
}
