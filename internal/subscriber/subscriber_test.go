package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"jasmine/internal/logger"
	"jasmine/internal/transport"
	"jasmine/internal/transport/transporttest"
)

// recordingBroker remembers registration calls
type recordingBroker struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (b *recordingBroker) record(call string) (*transport.Empty, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return nil, status.Error(codes.Internal, "broken")
	}
	b.calls = append(b.calls, call)
	return &transport.Empty{}, nil
}

func (b *recordingBroker) recorded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *recordingBroker) Hook(_ context.Context, req *transport.ConnectRequest) (*transport.Empty, error) {
	return b.record("hook " + req.Address)
}

func (b *recordingBroker) Unhook(_ context.Context, req *transport.ConnectRequest) (*transport.Empty, error) {
	return b.record("unhook " + req.Address)
}

func (b *recordingBroker) Publish(context.Context, *transport.PublishRequest) (*transport.Empty, error) {
	return &transport.Empty{}, nil
}

func (b *recordingBroker) Replicate(context.Context, *transport.PublishRequest) (*transport.Empty, error) {
	return &transport.Empty{}, nil
}

func (b *recordingBroker) Subscribe(_ context.Context, req *transport.SubscribeRequest) (*transport.Empty, error) {
	return b.record("subscribe " + req.Topic)
}

func (b *recordingBroker) Unsubscribe(_ context.Context, req *transport.SubscribeRequest) (*transport.Empty, error) {
	return b.record("unsubscribe " + req.Topic)
}

func (b *recordingBroker) Ping(context.Context, *transport.Empty) (*transport.Empty, error) {
	return &transport.Empty{}, nil
}

func serveBrokers(t *testing.T, network *transporttest.Network, addrs ...string) []*recordingBroker {
	t.Helper()
	brokers := make([]*recordingBroker, len(addrs))
	for i, addr := range addrs {
		brokers[i] = &recordingBroker{}
		srv := transport.NewServer(1 << 20)
		transport.RegisterBrokerServer(srv, brokers[i])
		network.Serve(addr, srv)
	}
	return brokers
}

func TestSendMessageReachesHandler(t *testing.T) {
	network := transporttest.NewNetwork()
	defer network.Close()

	var mu sync.Mutex
	var got []transport.Message
	handler := func(_ context.Context, msg *transport.Message) error {
		if msg.Message == "poison" {
			return errors.New("cannot handle")
		}
		mu.Lock()
		defer mu.Unlock()
		got = append(got, *msg)
		return nil
	}

	sub := New(Config{Address: "sub-a:9000"}, network.Dialer(time.Second), handler, logger.NewNopLogger())
	defer sub.Close()
	network.Serve("sub-a:9000", sub.Server())

	client, err := network.Dialer(time.Second).DialSubscriber(context.Background(), "sub-a:9000")
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendMessage(context.Background(), "orders", "m1", true))

	err = client.SendMessage(context.Background(), "orders", "poison", false)
	require.Error(t, err)
	assert.False(t, transport.IsConnectionError(err), "handler failures are not transport failures")

	mu.Lock()
	assert.Equal(t, []transport.Message{{Topic: "orders", Message: "m1", IsConsistent: true}}, got)
	mu.Unlock()
	assert.Equal(t, uint64(2), sub.Received())
}

func TestAttachDetach(t *testing.T) {
	network := transporttest.NewNetwork()
	defer network.Close()
	addrs := []string{"broker-0:7000", "broker-1:7000"}
	brokers := serveBrokers(t, network, addrs...)

	sub := New(Config{Address: "sub-a:9000", Brokers: addrs, CallTimeout: time.Second},
		network.Dialer(time.Second), nil, logger.NewNopLogger())
	defer sub.Close()

	require.NoError(t, sub.Attach(context.Background(), "orders", "alerts"))
	for _, b := range brokers {
		assert.Equal(t, []string{"hook sub-a:9000", "subscribe orders", "subscribe alerts"}, b.recorded())
	}

	require.NoError(t, sub.Detach(context.Background(), "orders"))
	for _, b := range brokers {
		assert.Equal(t, []string{"unsubscribe orders", "unhook sub-a:9000"}, b.recorded()[3:])
	}
}

func TestAttachCollectsBrokerErrors(t *testing.T) {
	network := transporttest.NewNetwork()
	defer network.Close()
	addrs := []string{"broker-0:7000", "broker-1:7000", "broker-2:7000"}
	brokers := serveBrokers(t, network, addrs...)
	brokers[1].fail = true

	sub := New(Config{Address: "sub-a:9000", Brokers: addrs, CallTimeout: time.Second},
		network.Dialer(time.Second), nil, logger.NewNopLogger())
	defer sub.Close()

	err := sub.Attach(context.Background(), "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker-1:7000")

	// the healthy brokers are still registered
	assert.Len(t, brokers[0].recorded(), 2)
	assert.Len(t, brokers[2].recorded(), 2)
}

func TestNewAppliesDefaults(t *testing.T) {
	sub := New(Config{Address: "sub-a:9000"}, transporttest.NewNetwork().Dialer(time.Second), nil, logger.NewNopLogger())
	defer sub.Close()

	assert.Equal(t, 2*time.Second, sub.cfg.CallTimeout)
	assert.Equal(t, 4<<20, sub.cfg.MaxMessageSize)
	assert.NotNil(t, sub.Server())
}
