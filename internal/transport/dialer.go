package transport

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// Dialer creates outbound handles to subscribers and peer brokers
type Dialer interface {
	// DialSubscriber returns once the subscriber endpoint is reachable
	DialSubscriber(ctx context.Context, address string) (SubscriberClient, error)
	// DialBroker returns a lazily connecting handle; failures surface on calls
	DialBroker(ctx context.Context, address string) (BrokerClient, error)
}

// GRPCDialer dials over gRPC with the JSON codec
type GRPCDialer struct {
	dialTimeout    time.Duration
	maxMessageSize int
	options        []grpc.DialOption
}

// NewGRPCDialer creates a dialer. Extra options are appended after the defaults.
func NewGRPCDialer(dialTimeout time.Duration, maxMessageSize int, opts ...grpc.DialOption) *GRPCDialer {
	return &GRPCDialer{
		dialTimeout:    dialTimeout,
		maxMessageSize: maxMessageSize,
		options:        opts,
	}
}

func (d *GRPCDialer) newConn(address string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(d.maxMessageSize),
			grpc.MaxCallSendMsgSize(d.maxMessageSize),
		),
	}
	opts = append(opts, d.options...)

	conn, err := grpc.NewClient("passthrough:///"+address, opts...)
	if err != nil {
		return nil, &ConnectionError{Address: address, Err: err}
	}
	return conn, nil
}

func (d *GRPCDialer) DialSubscriber(ctx context.Context, address string) (SubscriberClient, error) {
	conn, err := d.newConn(address)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	if err := WaitReady(dialCtx, conn); err != nil {
		conn.Close()
		return nil, &ConnectionError{Address: address, Err: err}
	}

	return NewSubscriberClient(conn), nil
}

func (d *GRPCDialer) DialBroker(ctx context.Context, address string) (BrokerClient, error) {
	conn, err := d.newConn(address)
	if err != nil {
		return nil, err
	}
	return NewBrokerClient(conn), nil
}

// WaitReady blocks until conn is READY or ctx ends
func WaitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("connection shut down")
		case connectivity.Idle:
			conn.Connect()
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}
