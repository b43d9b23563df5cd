// Package broker assembles a Jasmine broker node: the RPC service, the queue
// processor with its replicator and fanout, and the background loops that
// keep leader resolution in step with cluster membership.
package broker

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"jasmine/config"
	"jasmine/internal/leader"
	"jasmine/internal/logger"
	"jasmine/internal/membership"
	"jasmine/internal/metrics"
	"jasmine/internal/routing"
	"jasmine/internal/stats"
	"jasmine/internal/transport"
)

// Options carries optional collaborators. Zero values select the defaults.
type Options struct {
	Dialer     transport.Dialer
	Membership membership.Source
	Admission  Admission
	Storage    Storage
	Sweepers   []Sweeper
	Clock      clock.Clock
	// ServerOptions are appended to the gRPC server options
	ServerOptions []grpc.ServerOption
}

// Node is one broker of the cluster
type Node struct {
	cfg        *config.Config
	self       string
	state      *routing.State
	service    *Service
	processor  *Processor
	resolver   *leader.CachedResolver
	membership membership.Source
	server     *grpc.Server
	collector  *metrics.MetricsCollector
	sweepers   []Sweeper
	clock      clock.Clock

	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector

	closeOnce sync.Once
}

func New(cfg *config.Config, log *logger.Logger, m *metrics.Metrics, st *stats.StatsCollector, opts Options) (*Node, error) {
	drain, err := routing.ParseDrainPolicy(cfg.Processing.DrainPolicy)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if st == nil {
		st = stats.NewStatsCollector()
	}

	maxMessageSize := int(cfg.RPC.MaxMessageSize.Bytes())
	if opts.Dialer == nil {
		opts.Dialer = transport.NewGRPCDialer(cfg.RPC.DialTimeout, maxMessageSize)
	}
	if opts.Membership == nil {
		opts.Membership = membership.NewStatic(cfg.Cluster.Addrs)
	}

	resolver, err := leader.NewCachedResolver(leader.NewHashResolver(), leader.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	self := cfg.SelfAddress()
	log = log.With("node", cfg.Cluster.NodeID)

	state := routing.NewState(drain, routing.HealthPolicy{
		MaxAttempts: cfg.Health.MaxAttempts,
		BaseBackoff: cfg.Health.BaseBackoff,
		MaxBackoff:  cfg.Health.MaxBackoff,
	}, opts.Clock)

	peers := NewPeerPool(state.Backups, opts.Dialer, log, m)
	replicator := NewReplicator(peers, cfg.Cluster.Addrs, self,
		cfg.Processing.FanoutConcurrency, cfg.RPC.CallTimeout, log, m, st)
	fanout := NewFanout(state, cfg.Processing.FanoutConcurrency, cfg.RPC.CallTimeout, log, m, st)

	processor := NewProcessor(ProcessorConfig{
		Self:              self,
		Members:           opts.Membership.Members,
		Resolver:          resolver,
		Replicator:        replicator,
		Fanout:            fanout,
		Peers:             peers,
		Storage:           opts.Storage,
		ForwardBestEffort: cfg.Processing.ForwardBestEffort,
		PollInterval:      cfg.Processing.PollInterval,
		CallTimeout:       cfg.RPC.CallTimeout,
		Clock:             opts.Clock,
	}, state, log, m, st)

	service := NewService(state, opts.Dialer, opts.Admission, opts.Clock, log, m, st)

	serverOpts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(UnaryInterceptor(opts.Clock, log, m)),
	}, opts.ServerOptions...)
	server := transport.NewServer(maxMessageSize, serverOpts...)
	transport.RegisterBrokerServer(server, service)

	n := &Node{
		cfg:        cfg,
		self:       self,
		state:      state,
		service:    service,
		processor:  processor,
		resolver:   resolver,
		membership: opts.Membership,
		server:     server,
		sweepers:   opts.Sweepers,
		clock:      opts.Clock,
		logger:     log,
		metrics:    m,
		stats:      st,
	}

	if m != nil && cfg.Metrics.Enabled {
		n.collector = metrics.NewMetricsCollector(m, cfg.Metrics.UpdateInterval)
		n.collector.Register(n.sample)
	}

	return n, nil
}

func (n *Node) Self() string { return n.self }
func (n *Node) State() *routing.State { return n.state }
func (n *Node) Service() *Service { return n.service }
func (n *Node) Processor() *Processor { return n.processor }
func (n *Node) Server() *grpc.Server { return n.server }
func (n *Node) Stats() *stats.StatsCollector { return n.stats }

// Members returns the live broker list currently used for leader resolution
func (n *Node) Members() []string {
	return n.membership.Members()
}

// Run starts membership and the background loops and blocks until ctx is
// done or one of them fails. When lis is non-nil the RPC server is served on
// it and gracefully stopped on return.
func (n *Node) Run(ctx context.Context, lis net.Listener) error {
	if err := n.membership.Start(ctx); err != nil {
		return fmt.Errorf("failed to start membership: %w", err)
	}

	if n.collector != nil {
		n.collector.Start()
		defer n.collector.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)

	if lis != nil {
		g.Go(func() error {
			n.logger.Info("serving broker rpc", "address", lis.Addr().String())
			if err := n.server.Serve(lis); err != nil {
				return fmt.Errorf("rpc server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			n.server.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		return n.processor.Run(ctx)
	})

	g.Go(func() error {
		n.watchMembership(ctx)
		return nil
	})

	if len(n.sweepers) > 0 && n.cfg.Processing.SweepInterval > 0 {
		g.Go(func() error {
			n.runSweepers(ctx)
			return nil
		})
	}

	n.logger.Info("broker node running",
		"self", n.self,
		"members", n.membership.Members(),
		"drainPolicy", n.cfg.Processing.DrainPolicy)

	return g.Wait()
}

func (n *Node) watchMembership(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.membership.Changes():
			n.resolver.Invalidate()
			members := n.membership.Members()
			n.logger.Info("cluster membership changed", "members", members)
			if n.metrics != nil {
				n.metrics.SetClusterMembers(float64(len(members)))
			}
		}
	}
}

func (n *Node) runSweepers(ctx context.Context) {
	ticker := n.clock.Ticker(n.cfg.Processing.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Sweep(ctx)
		}
	}
}

// Sweep runs every registered sweeper once
func (n *Node) Sweep(ctx context.Context) {
	for _, s := range n.sweepers {
		if err := s.Sweep(ctx, n.state); err != nil {
			n.logger.Warn("sweeper failed", "error", err)
		}
	}
}

func (n *Node) sample(m *metrics.Metrics) {
	m.SetQueueDepth(float64(n.state.Queue.Len()))
	m.SetLogEntries(float64(n.state.Logs.TotalEntries()))
	m.SetSubscribedTopics(float64(len(n.state.Subscribers.Topics())))
	m.SetHookedSubscribers(float64(n.state.Clients.Len()))
	m.SetClusterMembers(float64(len(n.membership.Members())))
}

// Close stops the server and releases membership and cached connections
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.server.Stop()
		err = multierr.Combine(
			n.membership.Close(),
			n.state.Close(),
		)
		n.logger.Info("broker node closed", "stats", n.stats.GetStats())
	})
	return err
}
