package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	assert.NoError(t, m.Track("receipt:print").End(nil))
	boom := errors.New("printer offline")
	assert.ErrorIs(t, m.Track("receipt:print").End(boom), boom)

	assert.InDelta(t, 1, testutil.ToFloat64(m.runs.WithLabelValues("receipt:print", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runs.WithLabelValues("receipt:print", "failure")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.failures.WithLabelValues("receipt:print")), 0)
}

func TestAddProcessed(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddProcessed("idempotency:cleanup", 12)
	m.AddProcessed("idempotency:cleanup", 0)
	assert.InDelta(t, 12, testutil.ToFloat64(m.processed.WithLabelValues("idempotency:cleanup")), 0)

	var nilMetrics *Metrics
	nilMetrics.AddProcessed("x", 1)
	assert.NoError(t, nilMetrics.Track("x").End(nil))
}

func TestAddExhausted(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddExhausted("receipt:print")
	assert.InDelta(t, 1, testutil.ToFloat64(m.exhausted.WithLabelValues("receipt:print")), 0)

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.AddExhausted("receipt:print") })
}
