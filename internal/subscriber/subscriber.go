// Package subscriber is the consumer side of Jasmine: it serves the
// Subscriber RPC that brokers push messages to, and registers itself with
// every broker of a cluster.
package subscriber

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"

	"jasmine/internal/logger"
	"jasmine/internal/transport"
)

// Handler is called for every message a broker delivers
type Handler func(ctx context.Context, msg *transport.Message) error

// Config describes a subscriber endpoint
type Config struct {
	// Address is the endpoint brokers dial back to
	Address        string
	Brokers        []string
	CallTimeout    time.Duration
	MaxMessageSize int
}

// Subscriber receives pushed messages and manages its registrations
type Subscriber struct {
	cfg     Config
	dialer  transport.Dialer
	handler Handler
	server  *grpc.Server
	logger  *logger.Logger

	mu      sync.Mutex
	clients map[string]transport.BrokerClient

	received atomic.Uint64
}

var _ transport.SubscriberServer = (*Subscriber)(nil)

func New(cfg Config, dialer transport.Dialer, handler Handler, log *logger.Logger) *Subscriber {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4 << 20
	}

	s := &Subscriber{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		logger:  log.With("subscriber", cfg.Address),
		clients: make(map[string]transport.BrokerClient),
	}
	s.server = transport.NewServer(cfg.MaxMessageSize)
	transport.RegisterSubscriberServer(s.server, s)
	return s
}

func (s *Subscriber) Server() *grpc.Server {
	return s.server
}

// Received returns how many messages have been handed to the handler
func (s *Subscriber) Received() uint64 {
	return s.received.Load()
}

// SendMessage implements transport.SubscriberServer
func (s *Subscriber) SendMessage(ctx context.Context, msg *transport.Message) (*transport.Empty, error) {
	s.received.Add(1)
	if s.handler != nil {
		if err := s.handler(ctx, msg); err != nil {
			s.logger.Warn("handler failed", "topic", msg.Topic, "error", err)
			return nil, err
		}
	}
	return &transport.Empty{}, nil
}

// Serve blocks serving pushed messages on lis
func (s *Subscriber) Serve(lis net.Listener) error {
	s.logger.Info("subscriber listening", "address", lis.Addr().String())
	return s.server.Serve(lis)
}

func (s *Subscriber) client(ctx context.Context, broker string) (transport.BrokerClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[broker]; ok {
		return c, nil
	}
	c, err := s.dialer.DialBroker(ctx, broker)
	if err != nil {
		return nil, err
	}
	s.clients[broker] = c
	return c, nil
}

// Attach hooks this subscriber on every broker and subscribes it to topics.
// Any broker may lead a topic, so registration goes to all of them. Errors
// are collected and returned after every broker has been tried.
func (s *Subscriber) Attach(ctx context.Context, topics ...string) error {
	var errs error
	for _, broker := range s.cfg.Brokers {
		if err := s.attach(ctx, broker, topics); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("broker %s: %w", broker, err))
			continue
		}
		s.logger.Info("attached to broker", "broker", broker, "topics", topics)
	}
	return errs
}

func (s *Subscriber) attach(ctx context.Context, broker string, topics []string) error {
	c, err := s.client(ctx, broker)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	if err := c.Hook(callCtx, s.cfg.Address); err != nil {
		return fmt.Errorf("hook failed: %w", err)
	}
	for _, topic := range topics {
		if err := c.Subscribe(callCtx, topic, s.cfg.Address); err != nil {
			return fmt.Errorf("subscribe %s failed: %w", topic, err)
		}
	}
	return nil
}

// Detach unsubscribes topics on every broker and unhooks this subscriber
func (s *Subscriber) Detach(ctx context.Context, topics ...string) error {
	var errs error
	for _, broker := range s.cfg.Brokers {
		c, err := s.client(ctx, broker)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("broker %s: %w", broker, err))
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		for _, topic := range topics {
			errs = multierr.Append(errs, c.Unsubscribe(callCtx, topic, s.cfg.Address))
		}
		errs = multierr.Append(errs, c.Unhook(callCtx, s.cfg.Address))
		cancel()
	}
	return errs
}

// Close stops the server and releases broker connections
func (s *Subscriber) Close() error {
	s.server.Stop()

	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]transport.BrokerClient)
	s.mu.Unlock()

	var errs error
	for _, c := range clients {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}
