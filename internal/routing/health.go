package routing

import (
	"fmt"
	"time"
)

// ConnState is the health of a cached outbound connection
type ConnState int

const (
	Healthy ConnState = iota
	Retrying
	Dead
)

func (s ConnState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Retrying:
		return "retrying"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Health records consecutive failures of a connection
type Health struct {
	State     ConnState
	Attempts  int
	NextRetry time.Time
}

// HealthPolicy controls backoff and eviction of failing connections
type HealthPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		MaxAttempts: 5,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
	}
}

// Backoff returns the wait before the next attempt after the given number of
// consecutive failures: BaseBackoff doubled per failure, capped at MaxBackoff.
func (p HealthPolicy) Backoff(attempts int) time.Duration {
	if attempts <= 0 || p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// fail advances h after one more failed call at now
func (p HealthPolicy) fail(h Health, now time.Time) Health {
	h.Attempts++
	if p.MaxAttempts > 0 && h.Attempts >= p.MaxAttempts {
		h.State = Dead
		h.NextRetry = time.Time{}
		return h
	}
	h.State = Retrying
	h.NextRetry = now.Add(p.Backoff(h.Attempts))
	return h
}
