package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTurn("completed", 150*time.Millisecond)
	m.ObserveTurn("completed", 10*time.Millisecond)
	m.ObserveTurn("cancelled", time.Second)
	m.ObserveRetry("gpt-4o")
	m.ObserveFragment()
	m.ObserveStoreOp("create", nil, time.Millisecond)
	m.ObserveStoreOp("create", errors.New("boom"), time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.turnsTotal.WithLabelValues("completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.turnsTotal.WithLabelValues("cancelled")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.retriesTotal.WithLabelValues("gpt-4o")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fragmentsTotal))
	require.Equal(t, 1.0, testutil.ToFloat64(m.storeOpsTotal.WithLabelValues("create", "error")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTurn("failed", time.Second)
	m.ObserveRetry("x")
	m.ObserveFragment()
	m.ObserveStoreOp("list", nil, 0)
}

func TestMetrics_NilRegistererDoesNotCollide(t *testing.T) {
	require.NotPanics(t, func() {
		_ = New(nil)
		_ = New(nil)
	})
}
