package broker

import (
	"context"
	"errors"
	"path"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"jasmine/internal/logger"
	"jasmine/internal/metrics"
	"jasmine/internal/routing"
	"jasmine/internal/stats"
	"jasmine/internal/transport"
)

// Service implements transport.BrokerServer on top of the routing state.
// Handlers only touch local tables; all routing happens in the Processor.
type Service struct {
	state     *routing.State
	dialer    transport.Dialer
	admission Admission
	clock     clock.Clock
	logger    *logger.Logger
	metrics   *metrics.Metrics
	stats     *stats.StatsCollector
}

var _ transport.BrokerServer = (*Service)(nil)

func NewService(state *routing.State, dialer transport.Dialer, admission Admission, clk clock.Clock,
	log *logger.Logger, m *metrics.Metrics, st *stats.StatsCollector) *Service {

	if admission == nil {
		admission = AllowAll
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		state:     state,
		dialer:    dialer,
		admission: admission,
		clock:     clk,
		logger:    log,
		metrics:   m,
		stats:     st,
	}
}

// Hook dials the subscriber and caches the connection, replacing any previous one
func (s *Service) Hook(ctx context.Context, req *transport.ConnectRequest) (*transport.Empty, error) {
	if req.Address == "" {
		return nil, status.Error(codes.InvalidArgument, "address must not be empty")
	}

	client, err := s.dialer.DialSubscriber(ctx, req.Address)
	if err != nil {
		s.logger.Warn("hook failed", "subscriber", req.Address, "error", err)
		var connErr *transport.ConnectionError
		if errors.As(err, &connErr) {
			return nil, connErr
		}
		return nil, &transport.UnknownError{Err: err}
	}

	// deliveries in flight on a replaced handle finish before it is closed
	if _, err := s.state.Clients.Put(req.Address, client); err != nil {
		s.logger.Debug("closing replaced subscriber connection", "subscriber", req.Address, "error", err)
	}

	s.logger.Info("subscriber hooked", "subscriber", req.Address)
	return &transport.Empty{}, nil
}

// Unhook drops the subscriber connection if present
func (s *Service) Unhook(ctx context.Context, req *transport.ConnectRequest) (*transport.Empty, error) {
	removed, err := s.state.Clients.Remove(req.Address)
	if err != nil {
		s.logger.Debug("closing unhooked subscriber connection", "subscriber", req.Address, "error", err)
	}
	if removed {
		s.logger.Info("subscriber unhooked", "subscriber", req.Address)
	}
	return &transport.Empty{}, nil
}

// Publish enqueues a message for the processor
func (s *Service) Publish(ctx context.Context, req *transport.PublishRequest) (*transport.Empty, error) {
	if err := s.enqueue(ctx, req.Topic, req.Message, req.IsConsistent, false, req.Forwarded); err != nil {
		return nil, err
	}
	return &transport.Empty{}, nil
}

// Replicate enqueues a backup copy from the topic leader
func (s *Service) Replicate(ctx context.Context, req *transport.PublishRequest) (*transport.Empty, error) {
	if err := s.enqueue(ctx, req.Topic, req.Message, true, true, false); err != nil {
		return nil, err
	}
	return &transport.Empty{}, nil
}

func (s *Service) enqueue(ctx context.Context, topic, message string, isConsistent, replica, forwarded bool) error {
	if topic == "" {
		return status.Error(codes.InvalidArgument, "topic must not be empty")
	}

	if err := s.admission.Admit(ctx, topic, message, isConsistent); err != nil {
		s.logger.Debug("message not admitted", "topic", topic, "error", err)
		s.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("rejected") })
		if _, ok := status.FromError(err); ok {
			return err
		}
		return status.Error(codes.ResourceExhausted, err.Error())
	}

	s.state.Queue.Push(routing.PendingMessage{
		ID:           uuid.NewString(),
		Topic:        topic,
		Payload:      message,
		IsConsistent: isConsistent,
		Replica:      replica,
		Forwarded:    forwarded,
		EnqueuedAt:   s.clock.Now(),
	})

	if s.stats != nil {
		s.stats.IncReceived()
	}
	s.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("received") })
	return nil
}

func (s *Service) Subscribe(ctx context.Context, req *transport.SubscribeRequest) (*transport.Empty, error) {
	if err := validateSubscription(req); err != nil {
		return nil, err
	}
	if s.state.Subscribers.Add(req.Topic, req.Address) {
		s.logger.Info("subscribed", "topic", req.Topic, "subscriber", req.Address)
	}
	return &transport.Empty{}, nil
}

func (s *Service) Unsubscribe(ctx context.Context, req *transport.SubscribeRequest) (*transport.Empty, error) {
	if err := validateSubscription(req); err != nil {
		return nil, err
	}
	if s.state.Subscribers.Remove(req.Topic, req.Address) {
		s.logger.Info("unsubscribed", "topic", req.Topic, "subscriber", req.Address)
	}
	return &transport.Empty{}, nil
}

func (s *Service) Ping(ctx context.Context, _ *transport.Empty) (*transport.Empty, error) {
	return &transport.Empty{}, nil
}

func validateSubscription(req *transport.SubscribeRequest) error {
	if req.Topic == "" {
		return status.Error(codes.InvalidArgument, "topic must not be empty")
	}
	if req.Address == "" {
		return status.Error(codes.InvalidArgument, "address must not be empty")
	}
	return nil
}

func (s *Service) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}

// UnaryInterceptor logs every call, counts it by method and status code and
// times it with clk
func UnaryInterceptor(clk clock.Clock, log *logger.Logger, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	if clk == nil {
		clk = clock.New()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := clk.Now()
		resp, err := handler(ctx, req)
		elapsed := clk.Since(start)

		method := path.Base(info.FullMethod)
		code := status.Code(err)
		if m != nil {
			m.IncRPCRequests(method, code.String())
			m.ObserveRPCDuration(method, elapsed.Seconds())
		}

		if err != nil {
			log.Debug("rpc failed",
				"method", method,
				"code", code.String(),
				"duration", elapsed,
				"error", err)
		} else {
			log.Debug("rpc handled",
				"method", method,
				"duration", elapsed)
		}
		return resp, err
	}
}
