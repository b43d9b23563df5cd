package metrics

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	assert.NoError(t, err)
	assert.NotNil(t, m)

	// registering twice against the same registry must fail
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestNewMetricsWithoutRegistry(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	m.IncLogAppends()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.logAppends))
}

func TestMetricsSetMembershipConnectionStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.SetMembershipConnectionStatus(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.membershipStatus))
	m.SetMembershipConnectionStatus(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.membershipStatus))
}

func TestMetricsIncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.IncMessagesTotal("enqueued")
	m.IncMessagesTotal("enqueued")
	m.IncMessagesTotal("dropped")
	m.IncRPCRequests("Publish", "ok")
	m.IncReplications("success")
	m.IncReplications("error")
	m.IncDeliveries("success")
	m.IncEvictions("subscriber")
	m.IncMembershipReconnects()
	m.ObserveProcessDuration(0.01)
	m.ObserveRPCDuration("Publish", 0.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("enqueued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcRequests.WithLabelValues("Publish", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replications.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions.WithLabelValues("subscriber")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.membershipReconns))
	assert.Equal(t, 1, testutil.CollectAndCount(m.rpcDuration, "jasmine_rpc_duration_seconds"))
}

func TestMetricsCollector(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	var calls atomic.Int32
	c := NewMetricsCollector(m, 10*time.Millisecond)
	c.Register(func(m *Metrics) {
		calls.Add(1)
		m.SetQueueDepth(42)
	})

	c.Start()
	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()

	assert.Equal(t, 42.0, testutil.ToFloat64(m.queueDepth))
}
