package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ingestion pipeline.
type Metrics struct {
	// Events entering the pipeline by source ("http", "kafka")
	Received *prometheus.CounterVec

	// Terminal outcomes by source and outcome ("rejected", "indexed", "index_failed")
	Outcomes *prometheus.CounterVec

	// Sink failures by operation
	StoreFailures *prometheus.CounterVec
	IndexFailures prometheus.Counter
	IndexSkipped  prometheus.Counter

	IngestLatency *prometheus.HistogramVec

	// 0=closed, 1=open
	IndexBreakerState prometheus.Gauge

	// Kafka path
	MessagesConsumed  prometheus.Counter
	MessagesMalformed prometheus.Counter
	MessagesRetried   prometheus.Counter
	MessagesDropped   prometheus.Counter
}

// New registers the pipeline metrics with reg, or with the default registry
// when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Received: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditlog_ingest_received_total",
			Help: "Total number of events entering the ingestion pipeline by source",
		}, []string{"source"}),

		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditlog_ingest_outcomes_total",
			Help: "Total ingestion outcomes by source and outcome",
		}, []string{"source", "outcome"}),

		StoreFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditlog_ingest_store_failures_total",
			Help: "Total durable store write failures by operation",
		}, []string{"op"}),

		IndexFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_ingest_index_failures_total",
			Help: "Total search index write failures",
		}),

		IndexSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_ingest_index_skipped_total",
			Help: "Total index writes skipped while the index circuit breaker is open",
		}),

		IngestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auditlog_ingest_duration_seconds",
			Help:    "Duration of a full ingestion including store and index writes",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"source"}),

		IndexBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "auditlog_ingest_index_breaker_state",
			Help: "Current index circuit breaker state (0=closed, 1=open)",
		}),

		MessagesConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_consumer_messages_total",
			Help: "Total Kafka messages handed to the audit event handler, including redeliveries",
		}),

		MessagesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_consumer_malformed_total",
			Help: "Total Kafka messages skipped because they were not a JSON object",
		}),

		MessagesRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_consumer_retries_total",
			Help: "Total Kafka message attempts that failed and were left uncommitted for retry",
		}),

		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_consumer_messages_dropped_total",
			Help: "Total Kafka messages committed without being stored because the store refused them",
		}),
	}
}

func (m *Metrics) IncReceived(source string) {
	if m != nil {
		m.Received.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncOutcome(source, outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(source, outcome).Inc()
	}
}

func (m *Metrics) IncStoreFailure(op string) {
	if m != nil {
		m.StoreFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) IncIndexFailure() {
	if m != nil {
		m.IndexFailures.Inc()
	}
}

func (m *Metrics) IncIndexSkipped() {
	if m != nil {
		m.IndexSkipped.Inc()
	}
}

// ObserveIngestLatency records the total time spent on one event.
func (m *Metrics) ObserveIngestLatency(source string, d time.Duration) {
	if m != nil {
		m.IngestLatency.WithLabelValues(source).Observe(d.Seconds())
	}
}

func (m *Metrics) SetIndexBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.IndexBreakerState.Set(1)
	} else {
		m.IndexBreakerState.Set(0)
	}
}

func (m *Metrics) IncConsumed() {
	if m != nil {
		m.MessagesConsumed.Inc()
	}
}

func (m *Metrics) IncMalformed() {
	if m != nil {
		m.MessagesMalformed.Inc()
	}
}

func (m *Metrics) IncRetried() {
	if m != nil {
		m.MessagesRetried.Inc()
	}
}

func (m *Metrics) IncDropped() {
	if m != nil {
		m.MessagesDropped.Inc()
	}
}
