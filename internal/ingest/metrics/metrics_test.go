package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncReceived("http")
	m.IncReceived("http")
	m.IncOutcome("kafka", "rejected")
	m.IncStoreFailure("insert_event")
	m.IncIndexFailure()
	m.IncIndexSkipped()
	m.SetIndexBreakerOpen(true)
	m.ObserveIngestLatency("http", 10*time.Millisecond)
	m.IncConsumed()
	m.IncMalformed()
	m.IncRetried()
	m.IncDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Received.WithLabelValues("http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("kafka", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreFailures.WithLabelValues("insert_event")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexBreakerState))
	assert.Equal(t, 1, testutil.CollectAndCount(m.IngestLatency))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesConsumed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesMalformed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRetried))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped))

	m.SetIndexBreakerOpen(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.IndexBreakerState))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncReceived("http")
		m.IncOutcome("http", "indexed")
		m.IncStoreFailure("insert_event")
		m.IncIndexFailure()
		m.IncIndexSkipped()
		m.SetIndexBreakerOpen(true)
		m.ObserveIngestLatency("http", time.Second)
		m.IncConsumed()
		m.IncMalformed()
		m.IncRetried()
		m.IncDropped()
	})
}
