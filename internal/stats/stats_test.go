package stats

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewStatsCollector verifies the initialization of a new StatsCollector
func TestNewStatsCollector(t *testing.T) {
	collector := NewStatsCollector()

	assert.NotNil(t, collector, "StatsCollector should be created")
	assert.WithinDuration(t, time.Now(), collector.StartTime, 100*time.Millisecond, "StartTime should be close to current time")
	assert.WithinDuration(t, time.Now(), collector.LastUpdate(), 100*time.Millisecond, "LastUpdate should be close to current time")

	assert.Zero(t, collector.MessagesReceived, "MessagesReceived should be zero")
	assert.Zero(t, collector.MessagesProcessed, "MessagesProcessed should be zero")
	assert.Zero(t, collector.LogAppends, "LogAppends should be zero")
	assert.Zero(t, collector.Deliveries, "Deliveries should be zero")
	assert.Zero(t, collector.Errors, "Errors should be zero")
}

// TestCounters verifies each increment lands on its own counter
func TestCounters(t *testing.T) {
	collector := NewStatsCollector()
	before := collector.LastUpdate()
	time.Sleep(time.Millisecond)

	collector.IncReceived()
	collector.IncReceived()
	collector.IncProcessed()
	collector.IncLogAppends()
	collector.AddReplications(2)
	collector.AddDeliveries(3)
	collector.IncDropped()
	collector.IncErrors()

	assert.Equal(t, uint64(2), collector.MessagesReceived)
	assert.Equal(t, uint64(1), collector.MessagesProcessed)
	assert.Equal(t, uint64(1), collector.LogAppends)
	assert.Equal(t, uint64(2), collector.Replications)
	assert.Equal(t, uint64(3), collector.Deliveries)
	assert.Equal(t, uint64(1), collector.Dropped)
	assert.Equal(t, uint64(1), collector.Errors)
	assert.True(t, collector.LastUpdate().After(before), "LastUpdate should be more recent")
}

// TestConcurrentIncrements checks the counters under concurrent writers
func TestConcurrentIncrements(t *testing.T) {
	collector := NewStatsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				collector.IncProcessed()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(5000), collector.MessagesProcessed)
}

// TestGetStatsJSON verifies the JSON shape served on /stats
func TestGetStatsJSON(t *testing.T) {
	collector := NewStatsCollector()
	collector.IncReceived()
	collector.AddDeliveries(4)

	data, err := collector.GetStatsJSON()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, float64(1), decoded["messages_received"])
	assert.Equal(t, float64(4), decoded["deliveries"])
	assert.Contains(t, decoded, "uptime")
	assert.Contains(t, decoded, "last_update")
}

// TestCalculateRate verifies the processing rate calculation
func TestCalculateRate(t *testing.T) {
	collector := NewStatsCollector()
	collector.StartTime = time.Now().Add(-10 * time.Second)
	for i := 0; i < 100; i++ {
		collector.IncProcessed()
	}

	assert.InDelta(t, 10.0, collector.CalculateRate(), 0.5)
}
