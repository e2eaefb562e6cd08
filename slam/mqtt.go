package slam

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler is called for every decoded inbound message. source is the
// robot the message came from: this robot for its inbox, a peer's ID for
// shared landmark sets.
type MessageHandler func(source string, msg Message)

// MQTTClient manages the broker connection and the robot's subscriptions
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	prefix      string
	handler     MessageHandler
	isConnected bool
	mu          sync.RWMutex
}

// InboxTopic carries sensor data, destinations and commands for a robot
func InboxTopic(prefix, robotID string) string {
	return fmt.Sprintf("%s/%s/in", prefix, robotID)
}

// PoseTopic carries a robot's best pose
func PoseTopic(prefix, robotID string) string {
	return fmt.Sprintf("%s/%s/pose", prefix, robotID)
}

// LandmarksTopic carries a robot's shared landmark set
func LandmarksTopic(prefix, robotID string) string {
	return fmt.Sprintf("%s/%s/landmarks", prefix, robotID)
}

// PathTopic carries a robot's latest planned path
func PathTopic(prefix, robotID string) string {
	return fmt.Sprintf("%s/%s/path", prefix, robotID)
}

// TransformTopic carries accepted map corrections
func TransformTopic(prefix, robotID string) string {
	return fmt.Sprintf("%s/%s/transform", prefix, robotID)
}

// PositionsTopic carries the combined poses of every known robot
func PositionsTopic(prefix string) string {
	return prefix + "/positions"
}

// PublishPrefix returns the topic prefix: MQTT_PUBLISH_PREFIX, then the
// config value, then "tudoslam".
func PublishPrefix(config *Config) string {
	if prefix := os.Getenv("MQTT_PUBLISH_PREFIX"); prefix != "" {
		return prefix
	}
	if config != nil && config.MQTT.PublishPrefix != "" {
		return config.MQTT.PublishPrefix
	}
	return "tudoslam"
}

// InitMQTT creates the client and starts connecting in the background.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this
// returns nil.
func InitMQTT(config *Config, handler MessageHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("[MQTT] Disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || config.Robot.ID == "" {
		return nil, fmt.Errorf("MQTT enabled but no robot id configured")
	}

	client := &MQTTClient{
		config:  config,
		prefix:  PublishPrefix(config),
		handler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "tudoslam"
	}
	// one session per robot on a shared broker
	opts.SetClientID(clientID + "-" + config.Robot.ID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// sensor messages must reach the engine in arrival order
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] Connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// Subscriptions returns every topic the client listens on, mapped to the
// robot the messages on it come from
func (c *MQTTClient) Subscriptions() map[string]string {
	subs := map[string]string{
		InboxTopic(c.prefix, c.config.Robot.ID): c.config.Robot.ID,
	}
	for _, peer := range c.config.Peers {
		subs[LandmarksTopic(c.prefix, peer.ID)] = peer.ID
	}
	return subs
}

// onConnect subscribes to the inbox and to every peer's landmark topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] Connected, subscribing...")
	c.setConnected(true)

	for topic, source := range c.Subscriptions() {
		token := client.Subscribe(topic, 0, c.createMessageHandler(source))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
		} else {
			log.Printf("[MQTT] Subscribed to %s", topic)
		}
	}
}

// onConnectionLost is a transient event; auto-reconnect retries
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] Reconnecting...")
}

// createMessageHandler decodes tagged payloads from one source. Peer topics
// only accept landmark sets.
func (c *MQTTClient) createMessageHandler(source string) mqtt.MessageHandler {
	fromPeer := source != c.config.Robot.ID
	return func(client mqtt.Client, msg mqtt.Message) {
		m, err := DecodeMessage(msg.Payload())
		if err != nil {
			log.Printf("[MQTT] Dropping message on %s: %v", msg.Topic(), err)
			return
		}
		if fromPeer && m.Type() != MessageLandmarks {
			log.Printf("[MQTT] Ignoring %s message from peer %s", m.Type(), source)
			return
		}
		if c.handler != nil {
			c.handler(source, m)
		}
	}
}

// IsConnected returns true if the client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// SourceForTopic returns the robot a subscribed topic belongs to
func (c *MQTTClient) SourceForTopic(topic string) (string, bool) {
	prefix := c.prefix + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	source, ok := c.Subscriptions()[topic]
	return source, ok
}

// Prefix returns the topic prefix in use
func (c *MQTTClient) Prefix() string {
	return c.prefix
}

// GetClient returns the underlying client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing client, for tests
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler MessageHandler) *MQTTClient {
	return &MQTTClient{
		client:  client,
		config:  config,
		prefix:  PublishPrefix(config),
		handler: handler,
	}
}
