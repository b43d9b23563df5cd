package mqtt

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err  error
	done chan struct{}
}

func NewMockToken() *MockToken {
	done := make(chan struct{})
	close(done)
	return &MockToken{done: done}
}

func (t *MockToken) Wait() bool                       { return true }
func (t *MockToken) WaitTimeout(d time.Duration) bool { return true }
func (t *MockToken) Error() error                     { return t.err }
func (t *MockToken) Done() <-chan struct{}            { return t.done }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// MockClient implements mqtt.Client for testing
type MockClient struct {
	connected    atomic.Bool
	disconnected atomic.Bool
	connectErr   error

	mu            sync.Mutex
	published     []published
	subscriptions map[string]mqtt.MessageHandler
}

func NewMockClient() *MockClient {
	return &MockClient{subscriptions: make(map[string]mqtt.MessageHandler)}
}

func (m *MockClient) Connect() mqtt.Token {
	tok := NewMockToken()
	tok.err = m.connectErr
	if m.connectErr == nil {
		m.connected.Store(true)
	}
	return tok
}

func (m *MockClient) Disconnect(quiesce uint) {
	m.connected.Store(false)
	m.disconnected.Store(true)
}

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := payload.([]byte)
	m.published = append(m.published, published{topic: topic, retained: retained, payload: data})
	return NewMockToken()
}

func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[topic] = callback
	return NewMockToken()
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return NewMockToken()
}
func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token          { return NewMockToken() }
func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                                  { return m.connected.Load() }
func (m *MockClient) IsConnectionOpen() bool                             { return m.connected.Load() }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader            { return mqtt.ClientOptionsReader{} }

func (m *MockClient) Published() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.published...)
}

func (m *MockClient) Handler(topic string) mqtt.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions[topic]
}

// MockMessage implements mqtt.Message for testing
type MockMessage struct {
	topic   string
	payload []byte
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return qos }
func (m *MockMessage) Retained() bool    { return true }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return 0 }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              {}
