package membership

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrUnknownNode     = errors.New("node id not in cluster")
	ErrAddressMismatch = errors.New("announced address does not match cluster config")
)

type peer struct {
	instance string
	lastSeen time.Time
}

// Registry holds the live subset of the configured cluster. The local node is
// always live. Remote nodes stay live while they keep announcing within ttl.
type Registry struct {
	mu      sync.Mutex
	addrs   []string
	self    int
	ttl     time.Duration
	clock   clock.Clock
	peers   map[int]peer
	changes chan struct{}
}

func NewRegistry(addrs []string, self int, ttl time.Duration, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		addrs:   append([]string(nil), addrs...),
		self:    self,
		ttl:     ttl,
		clock:   clk,
		peers:   make(map[int]peer),
		changes: make(chan struct{}, 1),
	}
}

// Apply records an announcement and reports whether the live set changed
func (r *Registry) Apply(a Announcement) (bool, error) {
	if a.NodeID < 0 || a.NodeID >= len(r.addrs) {
		return false, fmt.Errorf("%w: %d", ErrUnknownNode, a.NodeID)
	}
	if a.Address != r.addrs[a.NodeID] {
		return false, fmt.Errorf("%w: node %d announced %s, expected %s",
			ErrAddressMismatch, a.NodeID, a.Address, r.addrs[a.NodeID])
	}
	if a.NodeID == r.self {
		return false, nil
	}

	if a.Leaving {
		return r.leave(a.NodeID, a.Instance), nil
	}

	r.mu.Lock()
	_, known := r.peers[a.NodeID]
	r.peers[a.NodeID] = peer{instance: a.Instance, lastSeen: r.clock.Now()}
	r.mu.Unlock()

	if !known {
		r.notify()
	}
	return !known, nil
}

// Leave removes nodeID regardless of instance
func (r *Registry) Leave(nodeID int) bool {
	return r.leave(nodeID, "")
}

// leave removes nodeID. A non-empty instance only matches the same incarnation,
// so a late leave from a restarted node's predecessor is ignored.
func (r *Registry) leave(nodeID int, instance string) bool {
	r.mu.Lock()
	p, ok := r.peers[nodeID]
	if ok && (instance == "" || p.instance == instance) {
		delete(r.peers, nodeID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.notify()
	}
	return ok
}

// Expire drops peers that have not announced within ttl and returns their ids
func (r *Registry) Expire() []int {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []int
	for id, p := range r.peers {
		if now.Sub(p.lastSeen) > r.ttl {
			delete(r.peers, id)
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	if len(expired) > 0 {
		sort.Ints(expired)
		r.notify()
	}
	return expired
}

// Live returns the sorted ids of live nodes, including the local node
func (r *Registry) Live() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int, 0, len(r.peers)+1)
	ids = append(ids, r.self)
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Members maps Live through the cluster address list
func (r *Registry) Members() []string {
	ids := r.Live()
	members := make([]string, len(ids))
	for i, id := range ids {
		members[i] = r.addrs[id]
	}
	return members
}

func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

func (r *Registry) notify() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}
