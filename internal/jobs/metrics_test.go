package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("propagation:run").End(nil))
	boom := errors.New("boom")
	assert.Equal(t, boom, m.Track("propagation:run").End(boom))
	m.AddQueued("propagation:sweep", 3)
	m.AddQueued("propagation:sweep", 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues("propagation:run", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues("propagation:run", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.failures.WithLabelValues("propagation:run")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.queued.WithLabelValues("propagation:sweep")))
}

func TestNilMetricsTrackerPassesErrorThrough(t *testing.T) {
	var m *Metrics
	boom := errors.New("boom")
	assert.Equal(t, boom, m.Track("x").End(boom))
	m.AddQueued("x", 1)
}
