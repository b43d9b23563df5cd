package broker

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"jasmine/internal/leader"
	"jasmine/internal/logger"
	"jasmine/internal/metrics"
	"jasmine/internal/routing"
	"jasmine/internal/stats"
)

// MemberFunc returns the current ordered list of live broker addresses
type MemberFunc func() []string

// ProcessorConfig holds the processor's collaborators and tunables
type ProcessorConfig struct {
	Self              string
	Members           MemberFunc
	Resolver          leader.Resolver
	Replicator        *Replicator
	Fanout            *Fanout
	Peers             *PeerPool
	Storage           Storage
	ForwardBestEffort bool
	PollInterval      time.Duration
	CallTimeout       time.Duration
	Clock             clock.Clock
}

// Processor drains the pending queue one message per cycle and routes each
// message according to its consistency mode and the topic's leader.
type Processor struct {
	cfg     ProcessorConfig
	state   *routing.State
	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector
}

func NewProcessor(cfg ProcessorConfig, state *routing.State, log *logger.Logger, m *metrics.Metrics, st *stats.StatsCollector) *Processor {
	if cfg.Storage == nil {
		cfg.Storage = NopStorage
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Processor{
		cfg:     cfg,
		state:   state,
		logger:  log,
		metrics: m,
		stats:   st,
	}
}

// Run processes messages until ctx is done. It wakes on every enqueue and
// on each poll tick.
func (p *Processor) Run(ctx context.Context) error {
	ticker := p.cfg.Clock.Ticker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("queue processor started", "self", p.cfg.Self, "pollInterval", p.cfg.PollInterval)

	for {
		for p.ProcessOne(ctx) {
			if ctx.Err() != nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			p.logger.Info("queue processor stopped", "pending", p.state.Queue.Len())
			return nil
		case <-p.state.Queue.Notify():
		case <-ticker.C:
		}
	}
}

// ProcessOne pops and routes a single message. It returns false when the
// queue was empty.
func (p *Processor) ProcessOne(ctx context.Context) bool {
	msg, ok := p.state.Queue.Pop()
	if !ok {
		return false
	}

	start := p.cfg.Clock.Now()
	if msg.IsConsistent {
		p.processConsistent(ctx, msg)
	} else {
		p.processBestEffort(ctx, msg)
	}

	if p.stats != nil {
		p.stats.IncProcessed()
	}
	p.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.ObserveProcessDuration(p.cfg.Clock.Since(start).Seconds())
	})
	return true
}

func (p *Processor) processConsistent(ctx context.Context, msg routing.PendingMessage) {
	entry := p.state.Logs.Append(msg.Topic, msg.Payload)
	if p.stats != nil {
		p.stats.IncLogAppends()
	}
	p.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncLogAppends() })

	if err := p.cfg.Storage.Write(ctx, msg.Topic, entry); err != nil {
		p.logger.Warn("storage write failed; entry stays unready",
			"topic", msg.Topic,
			"sequenceId", entry.SequenceID,
			"error", err)
		p.incErrors()
	} else if err := p.state.Logs.MarkReady(msg.Topic, entry.SequenceID); err != nil {
		// the entry was trimmed by a sweeper in between
		p.logger.Debug("could not mark entry ready", "topic", msg.Topic, "sequenceId", entry.SequenceID, "error", err)
	}

	if msg.Replica {
		p.logger.Debug("stored replica", "topic", msg.Topic, "sequenceId", entry.SequenceID)
		return
	}

	isLeader, leaderAddr, ok := p.resolve(msg)
	if !ok {
		return
	}
	if !isLeader {
		p.logger.Debug("logged as backup", "topic", msg.Topic, "sequenceId", entry.SequenceID, "leader", leaderAddr)
		return
	}

	replicated := p.cfg.Replicator.Replicate(ctx, msg.Topic, msg.Payload)
	delivered := p.cfg.Fanout.Deliver(ctx, msg.Topic, msg.Payload, true)

	p.logger.Debug("routed consistent message",
		"id", msg.ID,
		"topic", msg.Topic,
		"sequenceId", entry.SequenceID,
		"replicated", replicated,
		"delivered", delivered)
	p.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("routed") })
}

func (p *Processor) processBestEffort(ctx context.Context, msg routing.PendingMessage) {
	isLeader, leaderAddr, ok := p.resolve(msg)
	if !ok {
		return
	}

	if isLeader {
		delivered := p.cfg.Fanout.Deliver(ctx, msg.Topic, msg.Payload, false)
		p.logger.Debug("routed best-effort message", "id", msg.ID, "topic", msg.Topic, "delivered", delivered)
		p.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("routed") })
		return
	}

	if p.cfg.ForwardBestEffort && !msg.Forwarded && p.cfg.Peers != nil {
		p.forward(ctx, leaderAddr, msg)
		return
	}

	p.drop(msg, "not leader", "leader", leaderAddr)
}

func (p *Processor) forward(ctx context.Context, leaderAddr string, msg routing.PendingMessage) {
	client, err := p.cfg.Peers.Client(ctx, leaderAddr)
	if err != nil {
		p.drop(msg, "leader unreachable", "leader", leaderAddr, "error", err)
		return
	}
	defer p.cfg.Peers.Release(client)

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	err = client.Forward(callCtx, msg.Topic, msg.Payload)
	p.cfg.Peers.Report(leaderAddr, client, err)
	if err != nil {
		p.drop(msg, "forward failed", "leader", leaderAddr, "error", err)
		return
	}

	p.logger.Debug("forwarded best-effort message", "id", msg.ID, "topic", msg.Topic, "leader", leaderAddr)
	p.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("forwarded") })
}

// resolve reports whether this node leads msg.Topic. Resolution errors drop
// the message for this cycle.
func (p *Processor) resolve(msg routing.PendingMessage) (bool, string, bool) {
	isLeader, leaderAddr, err := leader.IsLeader(p.cfg.Resolver, msg.Topic, p.cfg.Self, p.cfg.Members())
	if err != nil {
		p.logger.Error("leader resolution failed", "topic", msg.Topic, "error", err)
		p.incErrors()
		p.drop(msg, "no leader")
		return false, "", false
	}
	return isLeader, leaderAddr, true
}

func (p *Processor) drop(msg routing.PendingMessage, reason string, args ...interface{}) {
	fields := append([]interface{}{"id", msg.ID, "topic", msg.Topic, "reason", reason}, args...)
	p.logger.Debug("dropped message", fields...)

	if p.stats != nil {
		p.stats.IncDropped()
	}
	p.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("dropped") })
}

func (p *Processor) incErrors() {
	if p.stats != nil {
		p.stats.IncErrors()
	}
}

func (p *Processor) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if p.metrics != nil {
		fn(p.metrics)
	}
}
