package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"jasmine/internal/logger"
	"jasmine/internal/routing"
	"jasmine/internal/stats"
	"jasmine/internal/transport"
)

func newTestFanout(policy routing.HealthPolicy) (*Fanout, *routing.State, *clock.Mock) {
	clk := clock.NewMock()
	state := routing.NewState(routing.DrainFIFO, policy, clk)
	f := NewFanout(state, 4, time.Second, logger.NewNopLogger(), nil, stats.NewStatsCollector())
	return f, state, clk
}

func TestFanoutDeliversToHookedSubscribers(t *testing.T) {
	f, state, _ := newTestFanout(routing.DefaultHealthPolicy())

	a := &fakeSubscriberClient{address: "a"}
	b := &fakeSubscriberClient{address: "b"}
	state.Clients.Put("a", a)
	state.Clients.Put("b", b)
	state.Subscribers.Add("orders", "a")
	state.Subscribers.Add("orders", "b")
	state.Subscribers.Add("orders", "c") // subscribed but never hooked

	n := f.Deliver(context.Background(), "orders", "m1", true)
	assert.Equal(t, 2, n)
	assert.Equal(t, []transport.Message{{Topic: "orders", Message: "m1", IsConsistent: true}}, a.messages())
	assert.Len(t, b.messages(), 1)

	assert.Equal(t, 0, f.Deliver(context.Background(), "alerts", "x", false), "no subscribers is not an error")
}

func TestFanoutContinuesPastFailures(t *testing.T) {
	f, state, _ := newTestFanout(routing.DefaultHealthPolicy())

	bad := &fakeSubscriberClient{address: "bad"}
	bad.setErr(errors.New("handler exploded"))
	good := &fakeSubscriberClient{address: "good"}
	state.Clients.Put("bad", bad)
	state.Clients.Put("good", good)
	state.Subscribers.Add("orders", "bad")
	state.Subscribers.Add("orders", "good")

	assert.Equal(t, 1, f.Deliver(context.Background(), "orders", "m1", false))
	assert.Len(t, good.messages(), 1)

	h, ok := state.Clients.Health("bad")
	require.True(t, ok)
	assert.Equal(t, routing.Healthy, h.State, "handler errors are not connection failures")
}

func TestFanoutEvictsDeadSubscriber(t *testing.T) {
	policy := routing.HealthPolicy{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: time.Minute}
	f, state, clk := newTestFanout(policy)

	sub := &fakeSubscriberClient{address: "a"}
	sub.setErr(status.Error(codes.Unavailable, "connection refused"))
	state.Clients.Put("a", sub)
	state.Subscribers.Add("orders", "a")

	assert.Equal(t, 0, f.Deliver(context.Background(), "orders", "m1", true))
	h, ok := state.Clients.Health("a")
	require.True(t, ok)
	assert.Equal(t, routing.Retrying, h.State)

	// still backing off: not attempted, not penalized
	assert.Equal(t, 0, f.Deliver(context.Background(), "orders", "m2", true))
	h, _ = state.Clients.Health("a")
	assert.Equal(t, 1, h.Attempts)

	clk.Add(time.Second)
	assert.Equal(t, 0, f.Deliver(context.Background(), "orders", "m3", true))
	assert.Equal(t, 0, state.Clients.Len(), "dead connection is evicted")
	assert.True(t, sub.isClosed())
	assert.True(t, state.Subscribers.Contains("orders", "a"), "subscription outlives the connection")
}

func TestFanoutRecoversAfterSuccess(t *testing.T) {
	policy := routing.HealthPolicy{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute}
	f, state, clk := newTestFanout(policy)

	sub := &fakeSubscriberClient{address: "a"}
	sub.setErr(&transport.ConnectionError{Address: "a", Err: errors.New("refused")})
	state.Clients.Put("a", sub)
	state.Subscribers.Add("orders", "a")

	f.Deliver(context.Background(), "orders", "m1", true)
	sub.setErr(nil)
	clk.Add(time.Second)

	assert.Equal(t, 1, f.Deliver(context.Background(), "orders", "m2", true))
	h, _ := state.Clients.Health("a")
	assert.Equal(t, routing.Healthy, h.State)
	assert.Equal(t, 0, h.Attempts)
}

func newTestReplicator(policy routing.HealthPolicy, self string) (*Replicator, *fakeDialer, *routing.State, *clock.Mock) {
	clk := clock.NewMock()
	state := routing.NewState(routing.DrainFIFO, policy, clk)
	dialer := newFakeDialer()
	log := logger.NewNopLogger()
	peers := NewPeerPool(state.Backups, dialer, log, nil)
	r := NewReplicator(peers, testAddrs, self, 2, time.Second, log, nil, stats.NewStatsCollector())
	return r, dialer, state, clk
}

func TestReplicatorTargetsEveryOtherBroker(t *testing.T) {
	r, dialer, state, _ := newTestReplicator(routing.DefaultHealthPolicy(), testAddrs[1])
	assert.Equal(t, []string{testAddrs[0], testAddrs[2]}, r.Targets())

	assert.Equal(t, 2, r.Replicate(context.Background(), "orders", "m1"))
	assert.Equal(t, 2, r.Replicate(context.Background(), "orders", "m2"))

	for _, addr := range r.Targets() {
		reps := dialer.broker(addr).replicas()
		require.Len(t, reps, 2)
		assert.Equal(t, transport.PublishRequest{Topic: "orders", Message: "m1", IsConsistent: true}, reps[0])
	}
	assert.Empty(t, dialer.broker(testAddrs[1]).replicas(), "never replicates to itself")
	assert.Equal(t, 2, dialer.dials(), "peer connections are cached")
	assert.Equal(t, 2, state.Backups.Len())
}

func TestReplicatorSwallowsPeerFailures(t *testing.T) {
	policy := routing.HealthPolicy{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: time.Minute}
	r, dialer, state, clk := newTestReplicator(policy, testAddrs[0])

	down := dialer.broker(testAddrs[2])
	down.setErr(status.Error(codes.Unavailable, "down"))

	assert.Equal(t, 1, r.Replicate(context.Background(), "orders", "m1"))
	h, ok := state.Backups.Health(testAddrs[2])
	require.True(t, ok)
	assert.Equal(t, routing.Retrying, h.State)

	// backing off: skipped without a call
	assert.Equal(t, 1, r.Replicate(context.Background(), "orders", "m2"))

	clk.Add(time.Second)
	assert.Equal(t, 1, r.Replicate(context.Background(), "orders", "m3"))
	_, ok = state.Backups.Health(testAddrs[2])
	assert.False(t, ok, "dead peer evicted")
	assert.True(t, down.isClosed())

	// next cycle redials the peer lazily
	down.setErr(nil)
	assert.Equal(t, 2, r.Replicate(context.Background(), "orders", "m4"))
	assert.Len(t, dialer.broker(testAddrs[1]).replicas(), 4)
}

func TestFanoutRehookKeepsDeliveryInFlight(t *testing.T) {
	svc, state, dialer := newTestService(nil)
	ctx := context.Background()

	_, err := svc.Hook(ctx, &transport.ConnectRequest{Address: "sub-a:9000"})
	require.NoError(t, err)
	first := dialer.subscriber("sub-a:9000")
	gate, entered := first.holdDeliveries()
	state.Subscribers.Add("orders", "sub-a:9000")

	f := NewFanout(state, 2, 5*time.Second, logger.NewNopLogger(), nil, stats.NewStatsCollector())
	done := make(chan int, 1)
	go func() { done <- f.Deliver(ctx, "orders", "m1", true) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	// the subscriber registers again while the delivery is blocked
	_, err = svc.Hook(ctx, &transport.ConnectRequest{Address: "sub-a:9000"})
	require.NoError(t, err)
	second := dialer.subscriber("sub-a:9000")
	require.NotSame(t, first, second)
	assert.False(t, first.isClosed(), "replaced handle stays open while a call is in flight")

	close(gate)
	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery did not finish")
	}

	assert.Equal(t, []transport.Message{{Topic: "orders", Message: "m1", IsConsistent: true}}, first.messages())
	assert.True(t, first.isClosed(), "replaced handle is closed after its last call")
	assert.False(t, second.isClosed())
	assert.Equal(t, 0, state.Clients.Leases(first))

	got, ok := state.Clients.Get("sub-a:9000")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestFanoutUnhookKeepsDeliveryInFlight(t *testing.T) {
	svc, state, dialer := newTestService(nil)
	ctx := context.Background()

	_, err := svc.Hook(ctx, &transport.ConnectRequest{Address: "sub-a:9000"})
	require.NoError(t, err)
	sub := dialer.subscriber("sub-a:9000")
	gate, entered := sub.holdDeliveries()
	state.Subscribers.Add("orders", "sub-a:9000")

	f := NewFanout(state, 1, 5*time.Second, logger.NewNopLogger(), nil, stats.NewStatsCollector())
	done := make(chan int, 1)
	go func() { done <- f.Deliver(ctx, "orders", "m1", false) }()
	<-entered

	_, err = svc.Unhook(ctx, &transport.ConnectRequest{Address: "sub-a:9000"})
	require.NoError(t, err)
	assert.Equal(t, 0, state.Clients.Len())
	assert.False(t, sub.isClosed())

	close(gate)
	assert.Equal(t, 1, <-done)
	assert.True(t, sub.isClosed())
}

func TestFanoutBoundsHangingSubscriber(t *testing.T) {
	const callTimeout = 100 * time.Millisecond
	policy := routing.HealthPolicy{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute}
	state := routing.NewState(routing.DrainFIFO, policy, clock.NewMock())
	st := stats.NewStatsCollector()

	// one delivery slot, so the healthy subscriber waits behind the hanging one
	f := NewFanout(state, 1, callTimeout, logger.NewNopLogger(), nil, st)

	stuck := &fakeSubscriberClient{address: "a-stuck"}
	stuck.setHang(true)
	good := &fakeSubscriberClient{address: "b-good"}
	state.Clients.Put("a-stuck", stuck)
	state.Clients.Put("b-good", good)
	state.Subscribers.Add("orders", "a-stuck")
	state.Subscribers.Add("orders", "b-good")

	start := time.Now()
	n := f.Deliver(context.Background(), "orders", "m1", true)
	elapsed := time.Since(start)

	assert.Equal(t, 1, n)
	assert.GreaterOrEqual(t, elapsed, callTimeout)
	assert.Less(t, elapsed, 10*callTimeout, "a hanging subscriber is bounded by the call timeout")
	assert.Len(t, good.messages(), 1, "remaining subscribers still receive the message")

	h, ok := state.Clients.Health("a-stuck")
	require.True(t, ok)
	assert.Equal(t, routing.Retrying, h.State, "deadline exceeded counts as a connection failure")
	assert.Equal(t, 1, h.Attempts)
	assert.Equal(t, uint64(1), st.GetStats()["deliveries"])
}

func TestReplicatorBoundsHangingPeer(t *testing.T) {
	const callTimeout = 100 * time.Millisecond
	policy := routing.HealthPolicy{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute}
	state := routing.NewState(routing.DrainFIFO, policy, clock.NewMock())
	dialer := newFakeDialer()
	log := logger.NewNopLogger()
	peers := NewPeerPool(state.Backups, dialer, log, nil)
	r := NewReplicator(peers, testAddrs, testAddrs[1], 1, callTimeout, log, nil, stats.NewStatsCollector())

	dialer.broker(testAddrs[0]).setHang(true)

	start := time.Now()
	acked := r.Replicate(context.Background(), "orders", "m1")
	elapsed := time.Since(start)

	assert.Equal(t, 1, acked)
	assert.Less(t, elapsed, 10*callTimeout)
	assert.Len(t, dialer.broker(testAddrs[2]).replicas(), 1)

	h, ok := state.Backups.Health(testAddrs[0])
	require.True(t, ok)
	assert.Equal(t, routing.Retrying, h.State)
	for _, addr := range r.Targets() {
		assert.Equal(t, 0, state.Backups.Leases(dialer.broker(addr)), "peer %s released", addr)
	}
}
