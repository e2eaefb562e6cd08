package slam

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken is an already completed mqtt.Token
type MockToken struct {
	err error
}

func NewMockToken(err error) *MockToken {
	return &MockToken{err: err}
}

func (t *MockToken) Wait() bool                     { return true }
func (t *MockToken) WaitTimeout(time.Duration) bool { return true }
func (t *MockToken) Error() error                   { return t.err }

func (t *MockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// MockMessage is a publish recorded by MockClient
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MockClient is an in-memory mqtt.Client. Publishes are recorded and
// SimulateMessage delivers to every subscription whose filter matches,
// honoring the + and # wildcards.
type MockClient struct {
	mu             sync.RWMutex
	connected      bool
	connectError   error
	publishError   error
	subscribeError error
	onConnect      mqtt.OnConnectHandler
	routes         map[string]mqtt.MessageHandler
	published      []MockMessage
}

// NewMockClient creates a disconnected mock client
func NewMockClient() *MockClient {
	return &MockClient{routes: make(map[string]mqtt.MessageHandler)}
}

// SetConnected sets the connection state
func (c *MockClient) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// SetConnectError sets the error returned on Connect
func (c *MockClient) SetConnectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectError = err
}

// SetPublishError sets the error returned on Publish
func (c *MockClient) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishError = err
}

// SetSubscribeError sets the error returned on Subscribe
func (c *MockClient) SetSubscribeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeError = err
}

// SetOnConnect registers a handler run synchronously after Connect succeeds
func (c *MockClient) SetOnConnect(h mqtt.OnConnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = h
}

// GetPublishedMessages returns every recorded publish
func (c *MockClient) GetPublishedMessages() []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MockMessage, len(c.published))
	copy(out, c.published)
	return out
}

// PublishedOn returns the recorded publishes on one topic
func (c *MockClient) PublishedOn(topic string) []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []MockMessage
	for _, m := range c.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Subscribed reports whether a filter is currently registered
func (c *MockClient) Subscribed(filter string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.routes[filter]
	return ok
}

// SimulateMessage delivers payload to every matching subscription and
// returns how many handlers ran
func (c *MockClient) SimulateMessage(topic string, payload []byte) int {
	c.mu.RLock()
	var handlers []mqtt.MessageHandler
	for filter, h := range c.routes {
		if h != nil && topicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	c.mu.RUnlock()

	msg := &mockMessage{topic: topic, payload: payload}
	for _, h := range handlers {
		h(c, msg)
	}
	return len(handlers)
}

// topicMatches applies MQTT filter matching
func topicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MockClient) IsConnectionOpen() bool {
	return c.IsConnected()
}

func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	err := c.connectError
	if err == nil {
		c.connected = true
	}
	onConnect := c.onConnect
	c.mu.Unlock()

	if err == nil && onConnect != nil {
		onConnect(c)
	}
	return NewMockToken(err)
}

func (c *MockClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return NewMockToken(mqtt.ErrNotConnected)
	}
	if c.publishError != nil {
		return NewMockToken(c.publishError)
	}

	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	c.published = append(c.published, MockMessage{Topic: topic, Payload: data, QoS: qos, Retain: retained})
	return NewMockToken(nil)
}

func (c *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}

func (c *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return NewMockToken(mqtt.ErrNotConnected)
	}
	if c.subscribeError != nil {
		return NewMockToken(c.subscribeError)
	}
	for topic := range filters {
		c.routes[topic] = callback
	}
	return NewMockToken(nil)
}

func (c *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.routes, topic)
	}
	return NewMockToken(nil)
}

func (c *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[topic] = callback
}

func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}
