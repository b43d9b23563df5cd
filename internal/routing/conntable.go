package routing

import (
	"errors"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

var (
	ErrNotConnected = errors.New("no connection for address")
	ErrBackingOff   = errors.New("connection is backing off")
)

// Conn is the handle type a ConnTable caches
type Conn interface {
	comparable
	Close() error
}

type connEntry[C Conn] struct {
	conn   C
	health Health
}

// ConnTable caches one outbound connection per address together with its
// health. Handles handed out by Acquire are leased until Release. A handle
// that is replaced, removed or evicted while leased is retired and closed
// when its last lease is released, so calls in flight on it complete.
type ConnTable[C Conn] struct {
	mu      sync.Mutex
	entries map[string]*connEntry[C]
	leases  map[C]int
	retired map[C]struct{}
	policy  HealthPolicy
	clock   clock.Clock
}

func NewConnTable[C Conn](policy HealthPolicy, clk clock.Clock) *ConnTable[C] {
	if clk == nil {
		clk = clock.New()
	}
	return &ConnTable[C]{
		entries: make(map[string]*connEntry[C]),
		leases:  make(map[C]int),
		retired: make(map[C]struct{}),
		policy:  policy,
		clock:   clk,
	}
}

// retireLocked takes conn out of service and reports whether it is idle and
// must be closed by the caller once t.mu is released.
func (t *ConnTable[C]) retireLocked(conn C) bool {
	if t.leases[conn] > 0 {
		t.retired[conn] = struct{}{}
		return false
	}
	return true
}

// Put stores conn for address as healthy. A replaced handle is closed, or
// retired until its in-flight calls finish. The error is the close error of
// an idle replaced handle.
func (t *ConnTable[C]) Put(address string, conn C) (bool, error) {
	t.mu.Lock()
	old, ok := t.entries[address]
	t.entries[address] = &connEntry[C]{conn: conn}
	closeNow := ok && old.conn != conn && t.retireLocked(old.conn)
	t.mu.Unlock()

	if closeNow {
		return true, old.conn.Close()
	}
	return ok, nil
}

// PutIfAbsent stores conn only when no handle exists for address and reports
// whether it did.
func (t *ConnTable[C]) PutIfAbsent(address string, conn C) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[address]; ok {
		return false
	}
	t.entries[address] = &connEntry[C]{conn: conn}
	return true
}

func (t *ConnTable[C]) Get(address string) (C, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[address]
	if !ok {
		var zero C
		return zero, false
	}
	return e.conn, true
}

// Acquire leases the handle for address if a call may be attempted now.
// Retrying handles are withheld until their backoff has elapsed. Every
// successful Acquire must be paired with Release.
func (t *ConnTable[C]) Acquire(address string) (C, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero C
	e, ok := t.entries[address]
	if !ok {
		return zero, ErrNotConnected
	}
	if e.health.State == Retrying && t.clock.Now().Before(e.health.NextRetry) {
		return zero, ErrBackingOff
	}
	t.leases[e.conn]++
	return e.conn, nil
}

// Release ends a lease taken by Acquire and closes conn if it was retired
// and this was its last lease.
func (t *ConnTable[C]) Release(conn C) {
	t.mu.Lock()
	n := t.leases[conn] - 1
	if n > 0 {
		t.leases[conn] = n
		t.mu.Unlock()
		return
	}
	delete(t.leases, conn)
	_, retired := t.retired[conn]
	delete(t.retired, conn)
	t.mu.Unlock()

	if retired {
		_ = conn.Close()
	}
}

// Leases returns how many calls currently hold conn
func (t *ConnTable[C]) Leases(conn C) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leases[conn]
}

// Remove deletes address. Its handle is closed now if idle, otherwise when
// the last in-flight call releases it.
func (t *ConnTable[C]) Remove(address string) (bool, error) {
	t.mu.Lock()
	e, ok := t.entries[address]
	if !ok {
		t.mu.Unlock()
		return false, nil
	}
	delete(t.entries, address)
	closeNow := t.retireLocked(e.conn)
	t.mu.Unlock()

	if closeNow {
		return true, e.conn.Close()
	}
	return true, nil
}

// ReportSuccess resets the health of conn
func (t *ConnTable[C]) ReportSuccess(address string, conn C) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[address]; ok && e.conn == conn {
		e.health = Health{}
	}
}

// ReportFailure records a failed call on conn. Reports against a handle that
// has since been replaced are ignored. It returns the resulting state and
// whether the handle was evicted; an evicted handle is closed once idle.
func (t *ConnTable[C]) ReportFailure(address string, conn C) (Health, bool) {
	t.mu.Lock()
	e, ok := t.entries[address]
	if !ok || e.conn != conn {
		t.mu.Unlock()
		return Health{}, false
	}
	e.health = t.policy.fail(e.health, t.clock.Now())
	h := e.health
	if h.State != Dead {
		t.mu.Unlock()
		return h, false
	}
	delete(t.entries, address)
	closeNow := t.retireLocked(conn)
	t.mu.Unlock()

	if closeNow {
		_ = conn.Close()
	}
	return h, true
}

func (t *ConnTable[C]) Health(address string) (Health, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[address]; ok {
		return e.health, true
	}
	return Health{}, false
}

func (t *ConnTable[C]) Addresses() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	addrs := make([]string, 0, len(t.entries))
	for addr := range t.entries {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func (t *ConnTable[C]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CloseAll empties the table and closes every handle, leased or not
func (t *ConnTable[C]) CloseAll() error {
	t.mu.Lock()
	conns := make([]C, 0, len(t.entries))
	for _, e := range t.entries {
		conns = append(conns, e.conn)
	}
	for c := range t.retired {
		conns = append(conns, c)
	}
	t.entries = make(map[string]*connEntry[C])
	t.leases = make(map[C]int)
	t.retired = make(map[C]struct{})
	t.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}
