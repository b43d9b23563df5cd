// Package nats discovers live brokers through heartbeats on a NATS subject
package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"jasmine/config"
	"jasmine/internal/logger"
	"jasmine/internal/membership"
	"jasmine/internal/metrics"
)

// Source implements membership.Source over NATS core pub/sub. Each broker
// publishes an announcement every heartbeat and a leaving announcement on
// shutdown; peers silent for longer than the ttl are expired.
type Source struct {
	cfg       config.NATSConfig
	logger    *logger.Logger
	metrics   *metrics.Metrics
	registry  *membership.Registry
	clock     clock.Clock
	heartbeat time.Duration
	self      membership.Announcement

	conn      *nats.Conn
	sub       *nats.Subscription
	publish   func(data []byte) error
	connected atomic.Bool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) *Source {
	natsCfg := cfg.Membership.NATS
	if natsCfg.ClientID == "" {
		natsCfg.ClientID = fmt.Sprintf("jasmine-broker-%d", cfg.Cluster.NodeID)
	}
	clk := clock.New()

	return &Source{
		cfg:       natsCfg,
		logger:    log.With("membership", "nats"),
		metrics:   m,
		registry:  membership.NewRegistry(cfg.Cluster.Addrs, cfg.Cluster.NodeID, cfg.Membership.TTL, clk),
		clock:     clk,
		heartbeat: cfg.Membership.HeartbeatInterval,
		self: membership.Announcement{
			NodeID:   cfg.Cluster.NodeID,
			Address:  cfg.SelfAddress(),
			Instance: uuid.NewString(),
		},
	}
}

// Start connects, subscribes to the presence subject and begins heartbeating
func (s *Source) Start(ctx context.Context) error {
	if err := s.connect(); err != nil {
		return err
	}

	sub, err := s.conn.Subscribe(s.cfg.Subject, s.handleMessage)
	if err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.Subject, err)
	}
	s.sub = sub

	if err := s.announce(false); err != nil {
		s.logger.Warn("initial announcement failed", "error", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)

	s.logger.Info("nats membership started",
		"subject", s.cfg.Subject,
		"nodeId", s.self.NodeID,
		"instance", s.self.Instance)
	return nil
}

func (s *Source) connect() error {
	if len(s.cfg.URLs) == 0 {
		return fmt.Errorf("no NATS server URLs provided")
	}

	opts := []nats.Option{
		nats.Name(s.cfg.ClientID),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(s.handleDisconnect),
		nats.ReconnectHandler(s.handleReconnect),
		nats.ClosedHandler(s.handleClosed),
	}

	if s.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(s.cfg.Username, s.cfg.Password))
	}

	if s.cfg.TLS.Enable {
		opts = append(opts, nats.ClientCert(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile))
		if s.cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(s.cfg.TLS.CAFile))
		}
	}

	s.logger.Info("connecting to NATS server", "urls", s.cfg.URLs)

	conn, err := nats.Connect(strings.Join(s.cfg.URLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	s.conn = conn
	s.publish = func(data []byte) error {
		return conn.Publish(s.cfg.Subject, data)
	}

	s.connected.Store(true)
	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMembershipConnectionStatus(true)
	})

	s.logger.Info("connected to NATS server", "url", conn.ConnectedUrl())
	return nil
}

func (s *Source) run(ctx context.Context) {
	defer close(s.done)

	ticker := s.clock.Ticker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick sends a heartbeat and expires silent peers
func (s *Source) tick() {
	if err := s.announce(false); err != nil {
		s.logger.Debug("heartbeat failed", "error", err)
	}
	if expired := s.registry.Expire(); len(expired) > 0 {
		s.logger.Warn("brokers expired", "nodeIds", expired, "members", s.registry.Members())
	}
}

func (s *Source) announce(leaving bool) error {
	if s.publish == nil || !s.connected.Load() {
		return fmt.Errorf("not connected to NATS")
	}

	a := s.self
	a.Leaving = leaving
	data, err := a.Encode()
	if err != nil {
		return err
	}
	return s.publish(data)
}

func (s *Source) handleMessage(msg *nats.Msg) {
	a, err := membership.DecodeAnnouncement(msg.Data)
	if err != nil {
		s.logger.Warn("ignoring malformed announcement", "subject", msg.Subject, "error", err)
		return
	}

	changed, err := s.registry.Apply(a)
	if err != nil {
		s.logger.Warn("rejected announcement", "nodeId", a.NodeID, "address", a.Address, "error", err)
		return
	}
	if changed {
		s.logger.Info("membership changed",
			"nodeId", a.NodeID,
			"leaving", a.Leaving,
			"members", s.registry.Members())
	}
}

func (s *Source) Members() []string {
	return s.registry.Members()
}

func (s *Source) Changes() <-chan struct{} {
	return s.registry.Changes()
}

// Close announces departure and closes the connection
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		if s.conn == nil {
			return
		}
		if aerr := s.announce(true); aerr != nil {
			s.logger.Warn("failed to announce departure", "error", aerr)
		} else if ferr := s.conn.Flush(); ferr != nil {
			err = fmt.Errorf("failed to flush departure: %w", ferr)
		}
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
		s.logger.Info("disconnecting from NATS server")
		s.conn.Close()
		s.connected.Store(false)
	})
	return err
}

func (s *Source) handleDisconnect(conn *nats.Conn, err error) {
	s.logger.Error("disconnected from NATS server", "error", err)
	s.connected.Store(false)

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMembershipConnectionStatus(false)
	})
}

func (s *Source) handleReconnect(conn *nats.Conn) {
	s.logger.Info("reconnected to NATS server", "url", conn.ConnectedUrl())
	s.connected.Store(true)

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMembershipConnectionStatus(true)
		m.IncMembershipReconnects()
	})

	// peers may have expired us while we were away
	if err := s.announce(false); err != nil {
		s.logger.Warn("failed to re-announce after reconnect", "error", err)
	}
}

func (s *Source) handleClosed(conn *nats.Conn) {
	s.logger.Warn("NATS connection closed")
	s.connected.Store(false)

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMembershipConnectionStatus(false)
	})
}

func (s *Source) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}
