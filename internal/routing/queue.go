package routing

import (
	"fmt"
	"sync"
	"time"
)

// PendingMessage is a published message awaiting the queue processor
type PendingMessage struct {
	ID           string
	Topic        string
	Payload      string
	IsConsistent bool
	// Replica marks a backup copy pushed by the topic leader
	Replica bool
	// Forwarded marks a best-effort message handed over by a non-leader
	Forwarded  bool
	EnqueuedAt time.Time
}

// DrainPolicy selects which end of the queue Pop takes from
type DrainPolicy int

const (
	// DrainFIFO pops the oldest message first
	DrainFIFO DrainPolicy = iota
	// DrainLIFO pops the newest message first, shedding old backlog under bursts
	DrainLIFO
)

func (p DrainPolicy) String() string {
	switch p {
	case DrainFIFO:
		return "fifo"
	case DrainLIFO:
		return "lifo"
	default:
		return fmt.Sprintf("DrainPolicy(%d)", int(p))
	}
}

// ParseDrainPolicy converts a config value into a DrainPolicy
func ParseDrainPolicy(s string) (DrainPolicy, error) {
	switch s {
	case "fifo", "":
		return DrainFIFO, nil
	case "lifo":
		return DrainLIFO, nil
	default:
		return DrainFIFO, fmt.Errorf("unknown drain policy: %s", s)
	}
}

// Queue is the unbounded pending-message queue
type Queue struct {
	mu     sync.Mutex
	items  []PendingMessage
	head   int
	policy DrainPolicy
	notify chan struct{}
}

func NewQueue(policy DrainPolicy) *Queue {
	return &Queue{
		policy: policy,
		notify: make(chan struct{}, 1),
	}
}

// Push appends msg and wakes a waiting processor
func (q *Queue) Push(msg PendingMessage) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes one message according to the drain policy
func (q *Queue) Pop() (PendingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.items) {
		return PendingMessage{}, false
	}

	var msg PendingMessage
	if q.policy == DrainLIFO {
		last := len(q.items) - 1
		msg = q.items[last]
		q.items[last] = PendingMessage{}
		q.items = q.items[:last]
	} else {
		msg = q.items[q.head]
		q.items[q.head] = PendingMessage{}
		q.head++
	}

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head > 64 && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}

	return msg, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Notify fires at least once after any Push
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
