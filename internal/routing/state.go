// Package routing holds the broker's shared routing state. Each table carries
// its own lock, taken only for the span needed to read or mutate that table;
// callers copy out what they need and release before any network call.
package routing

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"jasmine/internal/transport"
)

// State owns the five independently locked routing tables
type State struct {
	Subscribers *Subscribers
	Clients     *ConnTable[transport.SubscriberClient]
	Queue       *Queue
	Logs        *Logs
	Backups     *ConnTable[transport.BrokerClient]
}

// NewState creates empty tables. A nil clock uses wall time.
func NewState(drain DrainPolicy, health HealthPolicy, clk clock.Clock) *State {
	if clk == nil {
		clk = clock.New()
	}
	return &State{
		Subscribers: NewSubscribers(),
		Clients:     NewConnTable[transport.SubscriberClient](health, clk),
		Queue:       NewQueue(drain),
		Logs:        NewLogs(),
		Backups:     NewConnTable[transport.BrokerClient](health, clk),
	}
}

// Close releases every cached subscriber and peer connection
func (s *State) Close() error {
	return multierr.Append(s.Clients.CloseAll(), s.Backups.CloseAll())
}
