// Package transport defines the broker and subscriber RPC surface: gRPC service
// descriptors carried over a JSON codec, client handles, the dialer that
// creates them, and the error taxonomy surfaced to callers.
package transport

// ConnectRequest names a subscriber endpoint for Hook and Unhook
type ConnectRequest struct {
	Address string `json:"address"`
}

// PublishRequest carries a message into a broker's pending queue
type PublishRequest struct {
	Topic        string `json:"topic"`
	Message      string `json:"message"`
	IsConsistent bool   `json:"is_consistent"`
	// Forwarded is set when a non-leader hands a best-effort message to the leader
	Forwarded bool `json:"forwarded,omitempty"`
}

// SubscribeRequest registers or removes a subscriber address for a topic
type SubscribeRequest struct {
	Topic   string `json:"topic"`
	Address string `json:"address"`
}

// Message is pushed from a broker to a subscriber
type Message struct {
	Topic        string `json:"topic"`
	Message      string `json:"message"`
	IsConsistent bool   `json:"is_consistent"`
}

// Empty is the acknowledgment returned by every operation
type Empty struct{}
