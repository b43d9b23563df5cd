package transport

import (
	"context"

	"google.golang.org/grpc"
)

// BrokerClient is a handle to a remote broker's RPC service
type BrokerClient interface {
	Hook(ctx context.Context, address string) error
	Unhook(ctx context.Context, address string) error
	Publish(ctx context.Context, topic, message string, isConsistent bool) error
	Replicate(ctx context.Context, topic, message string) error
	// Forward hands a best-effort message to the topic leader
	Forward(ctx context.Context, topic, message string) error
	Subscribe(ctx context.Context, topic, address string) error
	Unsubscribe(ctx context.Context, topic, address string) error
	Ping(ctx context.Context) error
	Close() error
}

// SubscriberClient is a handle capable of pushing a message to one subscriber
type SubscriberClient interface {
	SendMessage(ctx context.Context, topic, message string, isConsistent bool) error
	Close() error
}

type brokerClient struct {
	conn *grpc.ClientConn
}

// NewBrokerClient wraps an existing connection
func NewBrokerClient(conn *grpc.ClientConn) BrokerClient {
	return &brokerClient{conn: conn}
}

func (c *brokerClient) invoke(ctx context.Context, method string, req interface{}) error {
	return c.conn.Invoke(ctx, "/"+brokerServiceName+"/"+method, req, new(Empty), grpc.CallContentSubtype(codecName))
}

func (c *brokerClient) Hook(ctx context.Context, address string) error {
	return c.invoke(ctx, "Hook", &ConnectRequest{Address: address})
}

func (c *brokerClient) Unhook(ctx context.Context, address string) error {
	return c.invoke(ctx, "Unhook", &ConnectRequest{Address: address})
}

func (c *brokerClient) Publish(ctx context.Context, topic, message string, isConsistent bool) error {
	return c.invoke(ctx, "Publish", &PublishRequest{
		Topic:        topic,
		Message:      message,
		IsConsistent: isConsistent,
	})
}

func (c *brokerClient) Replicate(ctx context.Context, topic, message string) error {
	return c.invoke(ctx, "Replicate", &PublishRequest{
		Topic:        topic,
		Message:      message,
		IsConsistent: true,
	})
}

func (c *brokerClient) Forward(ctx context.Context, topic, message string) error {
	return c.invoke(ctx, "Publish", &PublishRequest{
		Topic:     topic,
		Message:   message,
		Forwarded: true,
	})
}

func (c *brokerClient) Subscribe(ctx context.Context, topic, address string) error {
	return c.invoke(ctx, "Subscribe", &SubscribeRequest{Topic: topic, Address: address})
}

func (c *brokerClient) Unsubscribe(ctx context.Context, topic, address string) error {
	return c.invoke(ctx, "Unsubscribe", &SubscribeRequest{Topic: topic, Address: address})
}

func (c *brokerClient) Ping(ctx context.Context) error {
	return c.invoke(ctx, "Ping", &Empty{})
}

func (c *brokerClient) Close() error {
	return c.conn.Close()
}

type subscriberClient struct {
	conn *grpc.ClientConn
}

// NewSubscriberClient wraps an existing connection
func NewSubscriberClient(conn *grpc.ClientConn) SubscriberClient {
	return &subscriberClient{conn: conn}
}

func (c *subscriberClient) SendMessage(ctx context.Context, topic, message string, isConsistent bool) error {
	return c.conn.Invoke(ctx, "/"+subscriberServiceName+"/SendMessage", &Message{
		Topic:        topic,
		Message:      message,
		IsConsistent: isConsistent,
	}, new(Empty), grpc.CallContentSubtype(codecName))
}

func (c *subscriberClient) Close() error {
	return c.conn.Close()
}
