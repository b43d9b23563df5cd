// Package mqtt discovers live brokers through retained presence topics on an
// MQTT server. Each broker owns <prefix>/<nodeId>; its last will clears the
// topic so an unclean disconnect removes it like a clean one.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"jasmine/config"
	"jasmine/internal/logger"
	"jasmine/internal/membership"
	"jasmine/internal/metrics"
)

const (
	qos            = byte(1)
	disconnectWait = 250
)

// Source implements membership.Source over MQTT
type Source struct {
	cfg       config.MQTTConfig
	logger    *logger.Logger
	metrics   *metrics.Metrics
	registry  *membership.Registry
	clock     clock.Clock
	heartbeat time.Duration
	self      membership.Announcement

	client    mqtt.Client
	connected atomic.Bool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a source and its paho client. The connection is made in Start.
func New(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (*Source, error) {
	s := newSource(cfg, log, m)

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetWill(s.presenceTopic(s.self.NodeID), "", qos, true)

	opts.OnConnect = s.handleConnect
	opts.OnConnectionLost = s.handleDisconnect
	opts.OnReconnecting = s.handleReconnecting

	if s.cfg.TLS.Enable {
		tlsConfig, err := newTLSConfig(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile, s.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	s.client = mqtt.NewClient(opts)
	return s, nil
}

// NewWithClient creates a source around an existing client (for testing)
func NewWithClient(cfg *config.Config, log *logger.Logger, m *metrics.Metrics, client mqtt.Client) *Source {
	s := newSource(cfg, log, m)
	s.client = client
	return s
}

func newSource(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) *Source {
	mqttCfg := cfg.Membership.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = fmt.Sprintf("jasmine-broker-%d", cfg.Cluster.NodeID)
	}
	mqttCfg.TopicPrefix = strings.TrimSuffix(mqttCfg.TopicPrefix, "/")
	clk := clock.New()

	return &Source{
		cfg:       mqttCfg,
		logger:    log.With("membership", "mqtt"),
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

// Start connects and begins refreshing this broker's presence
func (s *Source) Start(ctx context.Context) error {
	s.logger.Info("connecting to mqtt broker", "broker", s.cfg.Broker)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to broker: %w", token.Error())
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)

	s.logger.Info("mqtt membership started",
		"prefix", s.cfg.TopicPrefix,
		"nodeId", s.self.NodeID,
		"instance", s.self.Instance)
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

// tick refreshes presence and expires silent peers
func (s *Source) tick() {
	if err := s.announce(); err != nil {
		s.logger.Debug("presence refresh failed", "error", err)
	}
	if expired := s.registry.Expire(); len(expired) > 0 {
		s.logger.Warn("brokers expired", "nodeIds", expired, "members", s.registry.Members())
	}
}

func (s *Source) presenceTopic(nodeID int) string {
	return fmt.Sprintf("%s/%d", s.cfg.TopicPrefix, nodeID)
}

func (s *Source) announce() error {
	if !s.connected.Load() {
		return fmt.Errorf("not connected to mqtt broker")
	}
	data, err := s.self.Encode()
	if err != nil {
		return err
	}
	token := s.client.Publish(s.presenceTopic(s.self.NodeID), qos, true, data)
	token.Wait()
	return token.Error()
}

// clear removes the retained presence record
func (s *Source) clear() error {
	token := s.client.Publish(s.presenceTopic(s.self.NodeID), qos, true, []byte{})
	token.Wait()
	return token.Error()
}

// HandleMessage applies a presence update. An empty payload means the node left.
func (s *Source) HandleMessage(client mqtt.Client, msg mqtt.Message) {
	suffix := strings.TrimPrefix(msg.Topic(), s.cfg.TopicPrefix+"/")
	nodeID, err := strconv.Atoi(suffix)
	if err != nil {
		s.logger.Warn("ignoring presence on unexpected topic", "topic", msg.Topic())
		return
	}

	if len(msg.Payload()) == 0 {
		if s.registry.Leave(nodeID) {
			s.logger.Info("membership changed", "nodeId", nodeID, "leaving", true, "members", s.registry.Members())
		}
		return
	}

	a, err := membership.DecodeAnnouncement(msg.Payload())
	if err != nil {
		s.logger.Warn("ignoring malformed presence", "topic", msg.Topic(), "error", err)
		return
	}
	if a.NodeID != nodeID {
		s.logger.Warn("presence node id does not match topic", "topic", msg.Topic(), "nodeId", a.NodeID)
		return
	}

	changed, err := s.registry.Apply(a)
	if err != nil {
		s.logger.Warn("rejected presence", "nodeId", a.NodeID, "address", a.Address, "error", err)
		return
	}
	if changed {
		s.logger.Info("membership changed", "nodeId", a.NodeID, "leaving", a.Leaving, "members", s.registry.Members())
	}
}

func (s *Source) Members() []string {
	return s.registry.Members()
}

func (s *Source) Changes() <-chan struct{} {
	return s.registry.Changes()
}

// Close clears presence and disconnects
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		if s.connected.Load() {
			if cerr := s.clear(); cerr != nil {
				err = fmt.Errorf("failed to clear presence: %w", cerr)
			}
		}
		s.logger.Info("disconnecting from mqtt broker")
		s.client.Disconnect(disconnectWait)
		s.connected.Store(false)
	})
	return err
}

// handleConnect subscribes to presence and announces on every (re)connect
func (s *Source) handleConnect(client mqtt.Client) {
	s.logger.Info("mqtt client connected", "broker", s.cfg.Broker)
	s.connected.Store(true)

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMembershipConnectionStatus(true)
	})

	filter := s.cfg.TopicPrefix + "/+"
	if token := client.Subscribe(filter, qos, s.HandleMessage); token.Wait() && token.Error() != nil {
		s.logger.Error("failed to subscribe to presence", "filter", filter, "error", token.Error())
		return
	}

	if err := s.announce(); err != nil {
		s.logger.Error("failed to announce presence", "error", err)
	}
}

func (s *Source) handleDisconnect(client mqtt.Client, err error) {
	s.logger.Error("mqtt connection lost", "error", err)
	s.connected.Store(false)

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMembershipConnectionStatus(false)
	})
}

func (s *Source) handleReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	s.logger.Info("mqtt client reconnecting", "broker", s.cfg.Broker)

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMembershipReconnects()
	})
}

func (s *Source) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}

func newTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
