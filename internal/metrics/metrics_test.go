package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncEnqueued()
	m.IncEnqueued()
	m.IncTransition("sent")
	m.ObserveSend("failed", 20*time.Millisecond)
	m.IncStoreOp("save", "ok")
	m.SetDepth([]string{"pending", "error"}, map[string]int{"pending": 3})
	m.ObserveHTTP("/v1/staged", "POST", 201, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Enqueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderSendTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("save", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/v1/staged", "POST", "201")))

	n, err := testutil.GatherAndCount(reg, "staging_enqueued_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.IncEnqueued()
	m.IncTransition("sent")
	m.IncStaleDropped()
	m.ObserveSend("sent", time.Second)
	m.IncStoreOp("load", "ok")
	m.SetDepth([]string{"pending"}, nil)
	m.ObserveHTTP("/", "GET", 200, time.Second)
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.IncEnqueued()
	assert.Zero(t, testutil.ToFloat64(b.Enqueued))
}
