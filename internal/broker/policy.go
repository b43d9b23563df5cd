package broker

import (
	"context"
	"errors"

	"jasmine/internal/routing"
)

// ErrRejected is returned by admission policies that refuse a message
var ErrRejected = errors.New("message rejected by admission policy")

// Admission decides whether a published message may enter the pending queue
type Admission interface {
	Admit(ctx context.Context, topic, message string, isConsistent bool) error
}

// AdmissionFunc adapts a function to Admission
type AdmissionFunc func(ctx context.Context, topic, message string, isConsistent bool) error

func (f AdmissionFunc) Admit(ctx context.Context, topic, message string, isConsistent bool) error {
	return f(ctx, topic, message, isConsistent)
}

// AllowAll admits every message
var AllowAll Admission = AdmissionFunc(func(context.Context, string, string, bool) error { return nil })

// Storage receives every consistent log entry after it is appended. A nil
// error marks the entry ready.
type Storage interface {
	Write(ctx context.Context, topic string, entry routing.LogEntry) error
}

// StorageFunc adapts a function to Storage
type StorageFunc func(ctx context.Context, topic string, entry routing.LogEntry) error

func (f StorageFunc) Write(ctx context.Context, topic string, entry routing.LogEntry) error {
	return f(ctx, topic, entry)
}

// NopStorage accepts every entry without persisting it
var NopStorage Storage = StorageFunc(func(context.Context, string, routing.LogEntry) error { return nil })

// Sweeper is run periodically against the routing state, for example to
// trim logs or drop stale subscribers
type Sweeper interface {
	Sweep(ctx context.Context, state *routing.State) error
}

// SweeperFunc adapts a function to Sweeper
type SweeperFunc func(ctx context.Context, state *routing.State) error

func (f SweeperFunc) Sweep(ctx context.Context, state *routing.State) error {
	return f(ctx, state)
}
