package stats

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// StatsCollector tracks broker-wide counters
type StatsCollector struct {
	StartTime         time.Time
	MessagesReceived  uint64
	MessagesProcessed uint64
	LogAppends        uint64
	Replications      uint64
	Deliveries        uint64
	Dropped           uint64
	Errors            uint64
	lastUpdate        atomic.Int64
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	now := time.Now()
	s := &StatsCollector{StartTime: now}
	s.lastUpdate.Store(now.UnixNano())
	return s
}

func (s *StatsCollector) touch() {
	s.lastUpdate.Store(time.Now().UnixNano())
}

func (s *StatsCollector) IncReceived() {
	atomic.AddUint64(&s.MessagesReceived, 1)
	s.touch()
}

func (s *StatsCollector) IncProcessed() {
	atomic.AddUint64(&s.MessagesProcessed, 1)
	s.touch()
}

func (s *StatsCollector) IncLogAppends() {
	atomic.AddUint64(&s.LogAppends, 1)
	s.touch()
}

func (s *StatsCollector) AddReplications(n uint64) {
	atomic.AddUint64(&s.Replications, n)
	s.touch()
}

func (s *StatsCollector) AddDeliveries(n uint64) {
	atomic.AddUint64(&s.Deliveries, n)
	s.touch()
}

func (s *StatsCollector) IncDropped() {
	atomic.AddUint64(&s.Dropped, 1)
	s.touch()
}

func (s *StatsCollector) IncErrors() {
	atomic.AddUint64(&s.Errors, 1)
	s.touch()
}

// LastUpdate returns the time of the most recent counter change
func (s *StatsCollector) LastUpdate() time.Time {
	return time.Unix(0, s.lastUpdate.Load())
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	uptime := time.Since(s.StartTime)
	return map[string]interface{}{
		"uptime":             uptime.String(),
		"messages_received":  atomic.LoadUint64(&s.MessagesReceived),
		"messages_processed": atomic.LoadUint64(&s.MessagesProcessed),
		"log_appends":        atomic.LoadUint64(&s.LogAppends),
		"replications":       atomic.LoadUint64(&s.Replications),
		"deliveries":         atomic.LoadUint64(&s.Deliveries),
		"dropped":            atomic.LoadUint64(&s.Dropped),
		"errors":             atomic.LoadUint64(&s.Errors),
		"last_update":        s.LastUpdate(),
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate calculates message processing rate
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.MessagesProcessed)) / uptime
}
