// Package membership tracks which configured brokers are currently live.
// Every source reports members as an address list ordered by node id, so all
// brokers that agree on who is live also agree on topic leaders.
package membership

import (
	"context"
	"encoding/json"
	"fmt"
)

// Source supplies the live broker list and signals when it changes
type Source interface {
	Start(ctx context.Context) error
	Members() []string
	Changes() <-chan struct{}
	Close() error
}

// Announcement is the presence record brokers exchange over a membership backend
type Announcement struct {
	NodeID   int    `json:"nodeId"`
	Address  string `json:"address"`
	Instance string `json:"instance"`
	Leaving  bool   `json:"leaving,omitempty"`
}

func (a Announcement) Encode() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode announcement: %w", err)
	}
	return data, nil
}

func DecodeAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("failed to decode announcement: %w", err)
	}
	return a, nil
}

// Static treats every configured broker as live
type Static struct {
	addrs   []string
	changes chan struct{}
}

func NewStatic(addrs []string) *Static {
	return &Static{
		addrs:   append([]string(nil), addrs...),
		changes: make(chan struct{}),
	}
}

func (s *Static) Start(ctx context.Context) error { return nil }

func (s *Static) Members() []string {
	return append([]string(nil), s.addrs...)
}

// Changes never fires
func (s *Static) Changes() <-chan struct{} { return s.changes }

func (s *Static) Close() error { return nil }
