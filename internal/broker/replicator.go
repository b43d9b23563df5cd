package broker

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"jasmine/internal/logger"
	"jasmine/internal/metrics"
	"jasmine/internal/stats"
)

// Replicator pushes consistent messages to every other configured broker
type Replicator struct {
	peers       *PeerPool
	targets     []string
	concurrency int
	callTimeout time.Duration
	logger      *logger.Logger
	metrics     *metrics.Metrics
	stats       *stats.StatsCollector
}

// NewReplicator replicates to every address in addrs except self
func NewReplicator(peers *PeerPool, addrs []string, self string, concurrency int, callTimeout time.Duration,
	log *logger.Logger, m *metrics.Metrics, st *stats.StatsCollector) *Replicator {

	targets := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if addr != self {
			targets = append(targets, addr)
		}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Replicator{
		peers:       peers,
		targets:     targets,
		concurrency: concurrency,
		callTimeout: callTimeout,
		logger:      log,
		metrics:     m,
		stats:       st,
	}
}

// Targets returns the peers this replicator pushes to
func (r *Replicator) Targets() []string {
	return append([]string(nil), r.targets...)
}

// Replicate sends one copy to each peer and waits for all of them. Failures
// are logged and counted; it returns the number of peers that acknowledged.
func (r *Replicator) Replicate(ctx context.Context, topic, message string) int {
	var (
		g     errgroup.Group
		acked atomic.Int64
	)
	g.SetLimit(r.concurrency)

	for _, addr := range r.targets {
		addr := addr
		g.Go(func() error {
			if r.replicateTo(ctx, addr, topic, message) {
				acked.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(acked.Load())
	if r.stats != nil {
		r.stats.AddReplications(uint64(n))
	}
	return n
}

func (r *Replicator) replicateTo(ctx context.Context, addr, topic, message string) bool {
	client, err := r.peers.Client(ctx, addr)
	if err != nil {
		r.logger.Debug("skipping replication to peer", "peer", addr, "topic", topic, "error", err)
		r.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncReplications("skipped") })
		return false
	}
	defer r.peers.Release(client)

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	err = client.Replicate(callCtx, topic, message)
	r.peers.Report(addr, client, err)
	if err != nil {
		r.logger.Warn("replication failed", "peer", addr, "topic", topic, "error", err)
		r.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncReplications("failed") })
		return false
	}

	r.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncReplications("ok") })
	return true
}

func (r *Replicator) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if r.metrics != nil {
		fn(r.metrics)
	}
}
