package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"jasmine/internal/transport"
)

// waitCall blocks like an rpc that never answers until ctx expires
func waitCall(ctx context.Context) error {
	<-ctx.Done()
	return status.FromContextError(ctx.Err()).Err()
}

type fakeSubscriberClient struct {
	address string

	mu      sync.Mutex
	sent    []transport.Message
	err     error
	closed  bool
	hang    bool
	gate    chan struct{}
	entered chan struct{}
}

// SendMessage fails like a grpc call whose connection was closed under it
func (c *fakeSubscriberClient) SendMessage(ctx context.Context, topic, message string, isConsistent bool) error {
	c.mu.Lock()
	hang, gate, entered := c.hang, c.gate, c.entered
	c.mu.Unlock()

	if hang {
		return waitCall(ctx)
	}
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return status.Error(codes.Canceled, "grpc: the client connection is closing")
	}
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, transport.Message{Topic: topic, Message: message, IsConsistent: isConsistent})
	return nil
}

// holdDeliveries makes the next sends wait for the returned gate to close.
// entered receives once per send that reached the gate.
func (c *fakeSubscriberClient) holdDeliveries() (gate, entered chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
	c.entered = make(chan struct{}, 8)
	return c.gate, c.entered
}

func (c *fakeSubscriberClient) setHang(hang bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hang = hang
}

func (c *fakeSubscriberClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeSubscriberClient) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeSubscriberClient) messages() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Message(nil), c.sent...)
}

func (c *fakeSubscriberClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeBrokerClient struct {
	address string

	mu         sync.Mutex
	replicated []transport.PublishRequest
	forwarded  []transport.PublishRequest
	err        error
	closed     bool
	hang       bool
}

func (c *fakeBrokerClient) record(ctx context.Context, dst *[]transport.PublishRequest, req transport.PublishRequest) error {
	c.mu.Lock()
	hang := c.hang
	c.mu.Unlock()
	if hang {
		return waitCall(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	*dst = append(*dst, req)
	return nil
}

func (c *fakeBrokerClient) Hook(context.Context, string) error   { return nil }
func (c *fakeBrokerClient) Unhook(context.Context, string) error { return nil }
func (c *fakeBrokerClient) Publish(context.Context, string, string, bool) error {
	return errors.New("not implemented")
}
func (c *fakeBrokerClient) Replicate(ctx context.Context, topic, message string) error {
	return c.record(ctx, &c.replicated, transport.PublishRequest{Topic: topic, Message: message, IsConsistent: true})
}
func (c *fakeBrokerClient) Forward(ctx context.Context, topic, message string) error {
	return c.record(ctx, &c.forwarded, transport.PublishRequest{Topic: topic, Message: message, Forwarded: true})
}
func (c *fakeBrokerClient) Subscribe(context.Context, string, string) error   { return nil }
func (c *fakeBrokerClient) Unsubscribe(context.Context, string, string) error { return nil }
func (c *fakeBrokerClient) Ping(context.Context) error                        { return nil }
func (c *fakeBrokerClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeBrokerClient) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeBrokerClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeBrokerClient) setHang(hang bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hang = hang
}

func (c *fakeBrokerClient) replicas() []transport.PublishRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.PublishRequest(nil), c.replicated...)
}

func (c *fakeBrokerClient) forwards() []transport.PublishRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.PublishRequest(nil), c.forwarded...)
}

// fakeDialer hands out fake clients. Every DialSubscriber call returns a new
// handle so replacement can be observed.
type fakeDialer struct {
	mu          sync.Mutex
	subscribers map[string][]*fakeSubscriberClient
	brokers     map[string]*fakeBrokerClient
	unreachable map[string]bool
	brokerDials int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		subscribers: make(map[string][]*fakeSubscriberClient),
		brokers:     make(map[string]*fakeBrokerClient),
		unreachable: make(map[string]bool),
	}
}

func (d *fakeDialer) DialSubscriber(_ context.Context, address string) (transport.SubscriberClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unreachable[address] {
		return nil, &transport.ConnectionError{Address: address, Err: fmt.Errorf("connection refused")}
	}
	c := &fakeSubscriberClient{address: address}
	d.subscribers[address] = append(d.subscribers[address], c)
	return c, nil
}

func (d *fakeDialer) DialBroker(_ context.Context, address string) (transport.BrokerClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.brokerDials++
	c, ok := d.brokers[address]
	if !ok {
		c = &fakeBrokerClient{address: address}
		d.brokers[address] = c
	}
	return c, nil
}

func (d *fakeDialer) subscriber(address string) *fakeSubscriberClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	handles := d.subscribers[address]
	if len(handles) == 0 {
		return nil
	}
	return handles[len(handles)-1]
}

func (d *fakeDialer) broker(address string) *fakeBrokerClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.brokers[address]
	if !ok {
		c = &fakeBrokerClient{address: address}
		d.brokers[address] = c
	}
	return c
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.brokerDials
}

// fakeMembership is a membership.Source whose members can be changed by tests
type fakeMembership struct {
	mu      sync.Mutex
	members []string
	changes chan struct{}
}

func newFakeMembership(members []string) *fakeMembership {
	return &fakeMembership{members: members, changes: make(chan struct{}, 1)}
}

func (f *fakeMembership) Start(context.Context) error { return nil }
func (f *fakeMembership) Close() error                { return nil }

func (f *fakeMembership) Members() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members...)
}

func (f *fakeMembership) Changes() <-chan struct{} { return f.changes }

func (f *fakeMembership) set(members []string) {
	f.mu.Lock()
	f.members = members
	f.mu.Unlock()
	f.changes <- struct{}{}
}
