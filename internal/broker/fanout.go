package broker

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"jasmine/internal/logger"
	"jasmine/internal/metrics"
	"jasmine/internal/routing"
	"jasmine/internal/stats"
)

// Fanout delivers a message to every hooked subscriber of its topic
type Fanout struct {
	state       *routing.State
	concurrency int
	callTimeout time.Duration
	logger      *logger.Logger
	metrics     *metrics.Metrics
	stats       *stats.StatsCollector
}

func NewFanout(state *routing.State, concurrency int, callTimeout time.Duration,
	log *logger.Logger, m *metrics.Metrics, st *stats.StatsCollector) *Fanout {

	if concurrency <= 0 {
		concurrency = 1
	}
	return &Fanout{
		state:       state,
		concurrency: concurrency,
		callTimeout: callTimeout,
		logger:      log,
		metrics:     m,
		stats:       st,
	}
}

// Deliver pushes the message to each subscriber with a usable connection and
// returns how many accepted it. Subscribers without a connection are skipped.
func (f *Fanout) Deliver(ctx context.Context, topic, message string, isConsistent bool) int {
	addrs := f.state.Subscribers.Snapshot(topic)
	if len(addrs) == 0 {
		return 0
	}

	var (
		g         errgroup.Group
		delivered atomic.Int64
	)
	g.SetLimit(f.concurrency)

	for _, addr := range addrs {
		addr := addr
		client, err := f.state.Clients.Acquire(addr)
		if err != nil {
			f.logger.Debug("skipping subscriber", "subscriber", addr, "topic", topic, "reason", err)
			f.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncDeliveries("skipped") })
			continue
		}

		g.Go(func() error {
			defer f.state.Clients.Release(client)

			callCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
			defer cancel()

			err := client.SendMessage(callCtx, topic, message, isConsistent)
			reportHealth(f.state.Clients, addr, client, err, "subscriber", f.logger, f.metrics)
			if err != nil {
				f.logger.Warn("delivery failed", "subscriber", addr, "topic", topic, "error", err)
				f.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncDeliveries("failed") })
				return nil
			}

			delivered.Add(1)
			f.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncDeliveries("ok") })
			return nil
		})
	}
	_ = g.Wait()

	n := int(delivered.Load())
	if f.stats != nil {
		f.stats.AddDeliveries(uint64(n))
	}
	return n
}

func (f *Fanout) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if f.metrics != nil {
		fn(f.metrics)
	}
}
