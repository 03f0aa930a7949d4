// Package metrics holds the Prometheus collectors of the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// Reconcile outcomes.
const (
	OutcomeInserted = "inserted"
	OutcomeUpdated  = "updated"
	OutcomeFailed   = "failed"
	OutcomeStray    = "stray"
	OutcomeSkipped  = "skipped"
)

// Metrics groups the engine's collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	records    *prometheus.CounterVec
	operations *prometheus.CounterVec
	viewSize   *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "reconciled_records_total",
			Help:      "Remote records processed by the reconciler, by outcome.",
		}, []string{"category", "outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "feed_operations_total",
			Help:      "Feed controller operations, by result.",
		}, []string{"category", "operation", "result"}),
		viewSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "feedsync",
			Name:      "feed_view_size",
			Help:      "Number of posts in each category view.",
		}, []string{"category"}),
	}
	m.Registry.MustRegister(m.records, m.operations, m.viewSize)
	return m
}

// Record adds n reconciled records with the given outcome.
func (m *Metrics) Record(c model.Category, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.records.WithLabelValues(c.String(), outcome).Add(float64(n))
}

// Operation counts one controller operation.
func (m *Metrics) Operation(c model.Category, op, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(c.String(), op, result).Inc()
}

// ViewSize sets the current size of a category view.
func (m *Metrics) ViewSize(c model.Category, n int) {
	if m == nil {
		return
	}
	m.viewSize.WithLabelValues(c.String()).Set(float64(n))
}

// RecordCounter exposes a single reconcile counter, for tests.
func (m *Metrics) RecordCounter(c model.Category, outcome string) prometheus.Counter {
	return m.records.WithLabelValues(c.String(), outcome)
}

// OperationCounter exposes a single operation counter, for tests.
func (m *Metrics) OperationCounter(c model.Category, op, result string) prometheus.Counter {
	return m.operations.WithLabelValues(c.String(), op, result)
}
