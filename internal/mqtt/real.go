package mqtt

import (
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// reconnectInterval is the retry cadence while the broker is unreachable.
const reconnectInterval = 5 * time.Second

// Options configures the real broker connection.
type Options struct {
	Broker   string // e.g. tcp://host:1883
	ClientID string
	Username string
	Password string

	// WillTopic carries "offline" as LWT, retained, so consumers see the
	// device drop.
	WillTopic string
}

// RealConn is a paho-backed Conn. OnConnect and OnMessage are dispatched
// from paho's network goroutines; the adapter serialises internally.
type RealConn struct {
	client paho.Client
	opts   Options
	logger *log.Logger
}

// NewConn prepares a broker connection without dialing, so the adapter can
// be constructed over it before any callback can fire.
func NewConn(opts Options, logger *log.Logger) *RealConn {
	if logger == nil {
		logger = log.Default()
	}
	return &RealConn{opts: opts, logger: logger}
}

// Start dials the broker with auto-reconnect. onConnect runs on every
// (re)connect; onMessage receives all subscribed messages.
func (c *RealConn) Start(onConnect func(), onMessage func(topic, payload string)) error {
	opts := c.opts
	logger := c.logger

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectInterval).
		SetWill(opts.WillTopic, "offline", 1, true).
		SetOnConnectHandler(func(paho.Client) { onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Printf("[MQTT] connection lost: %v", err)
		}).
		SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
			onMessage(msg.Topic(), string(msg.Payload()))
		})
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}

	c.client = paho.NewClient(po)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// Retry continues in the background; the adapter buffers until
		// the broker shows up.
		logger.Printf("[MQTT] broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// IsConnected reports the live connection state.
func (c *RealConn) IsConnected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// Publish sends one message with a bounded wait.
func (c *RealConn) Publish(topic string, qos byte, retained bool, payload string) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes the given topics at QoS 1.
func (c *RealConn) Subscribe(topics []string) error {
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = 1
	}
	token := c.client.SubscribeMultiple(filters, nil)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *RealConn) Close() {
	if c.client != nil {
		c.client.Disconnect(1000)
	}
}
