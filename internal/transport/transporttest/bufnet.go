// Package transporttest provides an in-memory gRPC network for tests.
package transporttest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"jasmine/internal/transport"
)

const bufSize = 1 << 20

// Network maps logical addresses to in-memory listeners
type Network struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
	servers   []*grpc.Server
}

func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*bufconn.Listener)}
}

// Serve starts srv on a new listener bound to address
func (n *Network) Serve(address string, srv *grpc.Server) {
	lis := bufconn.Listen(bufSize)

	n.mu.Lock()
	n.listeners[address] = lis
	n.servers = append(n.servers, srv)
	n.mu.Unlock()

	go srv.Serve(lis)
}

// Drop removes address from the network; new dials to it fail
func (n *Network) Drop(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if lis, ok := n.listeners[address]; ok {
		lis.Close()
		delete(n.listeners, address)
	}
}

func (n *Network) dial(ctx context.Context, address string) (net.Conn, error) {
	n.mu.Lock()
	lis, ok := n.listeners[address]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no listener at %s", address)
	}
	return lis.DialContext(ctx)
}

// Dialer returns a transport dialer routed through this network
func (n *Network) Dialer(dialTimeout time.Duration) *transport.GRPCDialer {
	return transport.NewGRPCDialer(dialTimeout, bufSize, grpc.WithContextDialer(n.dial))
}

// Close stops every server started on the network
func (n *Network) Close() {
	n.mu.Lock()
	servers := n.servers
	n.servers = nil
	n.mu.Unlock()

	for _, srv := range servers {
		srv.Stop()
	}
}
