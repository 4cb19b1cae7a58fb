// Package metrics defines the Sink contract stateful components report
// through, adapted from the teacher repo's pkg/metrics (a NoopSink by
// default, a Prometheus-backed sink for production wiring).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives point-in-time observations from the engine. Every method
// is safe to call from any goroutine and must not block.
type Sink interface {
	// ObserveFlush records the duration and row count of a batch applied
	// to a collection or replayed to a subscriber.
	ObserveFlush(collectionID string, rows int, d time.Duration)
	// ObserveTransaction records the terminal outcome of a transaction.
	ObserveTransaction(strategy string, outcome string, d time.Duration)
	// ObserveIteration records a dataflow run() pass, flagging whether it
	// was cut short by the iteration limit.
	ObserveIteration(graphID string, iterations int, limited bool)
}

// NoopSink discards all observations; it is the default so components
// never need a nil check before reporting.
type NoopSink struct{}

func (NoopSink) ObserveFlush(string, int, time.Duration)     {}
func (NoopSink) ObserveTransaction(string, string, time.Duration) {}
func (NoopSink) ObserveIteration(string, int, bool)           {}

// PrometheusSink reports observations as Prometheus collectors registered
// against the supplied registerer.
type PrometheusSink struct {
	flushRows     *prometheus.HistogramVec
	flushDuration *prometheus.HistogramVec
	txnDuration   *prometheus.HistogramVec
	txnOutcomes   *prometheus.CounterVec
	iterations    *prometheus.HistogramVec
	limitHits     *prometheus.CounterVec
}

// NewPrometheusSink constructs and registers the collectors. Registration
// errors (e.g. duplicate registration in tests) are ignored the way the
// teacher repo ignores non-fatal setup errors via utils.ErrInErr.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		flushRows: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reactivedb_flush_rows",
			Help:    "Rows applied per committed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"collection"}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reactivedb_flush_duration_seconds",
			Help:    "Time to apply a committed batch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection"}),
		txnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reactivedb_transaction_duration_seconds",
			Help:    "Time from createTransaction to terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy", "outcome"}),
		txnOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reactivedb_transaction_outcomes_total",
			Help: "Terminal transaction outcomes by strategy.",
		}, []string{"strategy", "outcome"}),
		iterations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reactivedb_dataflow_iterations",
			Help:    "Iterations consumed by a single dataflow run() pass.",
			Buckets: prometheus.LinearBuckets(1, 10, 10),
		}, []string{"graph"}),
		limitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reactivedb_dataflow_iteration_limit_total",
			Help: "Dataflow run() passes that hit the configured iteration limit.",
		}, []string{"graph"}),
	}
	for _, c := range []prometheus.Collector{s.flushRows, s.flushDuration, s.txnDuration, s.txnOutcomes, s.iterations, s.limitHits} {
		_ = reg.Register(c)
	}
	return s
}

func (s *PrometheusSink) ObserveFlush(collectionID string, rows int, d time.Duration) {
	s.flushRows.WithLabelValues(collectionID).Observe(float64(rows))
	s.flushDuration.WithLabelValues(collectionID).Observe(d.Seconds())
}

func (s *PrometheusSink) ObserveTransaction(strategy, outcome string, d time.Duration) {
	s.txnDuration.WithLabelValues(strategy, outcome).Observe(d.Seconds())
	s.txnOutcomes.WithLabelValues(strategy, outcome).Inc()
}

func (s *PrometheusSink) ObserveIteration(graphID string, iterations int, limited bool) {
	s.iterations.WithLabelValues(graphID).Observe(float64(iterations))
	if limited {
		s.limitHits.WithLabelValues(graphID).Inc()
	}
}
