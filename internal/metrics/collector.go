package metrics

import (
	"sync"
	"time"
)

// SampleFunc refreshes gauges from live state
type SampleFunc func(m *Metrics)

// MetricsCollector periodically runs registered samplers against a Metrics instance
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	samplers []SampleFunc
	stop     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

// NewMetricsCollector creates a collector that samples every interval
func NewMetricsCollector(m *Metrics, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  m,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Register adds a sampler. Samplers registered after Start are picked up on the next tick.
func (c *MetricsCollector) Register(fn SampleFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samplers = append(c.samplers, fn)
}

// Start begins periodic sampling
func (c *MetricsCollector) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.Collect()
		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stop:
				return
			}
		}
	}()
}

// Collect runs every sampler once
func (c *MetricsCollector) Collect() {
	c.mu.Lock()
	samplers := make([]SampleFunc, len(c.samplers))
	copy(samplers, c.samplers)
	c.mu.Unlock()

	for _, fn := range samplers {
		fn(c.metrics)
	}
}

// Stop halts sampling and waits for the loop to exit
func (c *MetricsCollector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
}
