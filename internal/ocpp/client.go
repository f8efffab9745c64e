package ocpp

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NOELV70/EVSE-SyncCharge/internal/controller"
)

// Config configures the back-office connection.
type Config struct {
	Enabled bool
	Host    string
	Port    int
	URL     string
	UseTLS  bool
	AuthKey string

	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	ConnTimeout       time.Duration
}

// Client maintains the WebSocket session to the central system, reconnecting
// on loss at the configured interval.
type Client struct {
	cfg     Config
	handler *Handler
	logger  *log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	done      chan struct{}

	heartbeatReset chan time.Duration
}

// NewClient creates a Client over the given charger. A nil logger uses the
// default logger.
func NewClient(cfg Config, evse Charger, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 10 * time.Second
	}
	c := &Client{
		cfg:            cfg,
		logger:         logger,
		done:           make(chan struct{}),
		heartbeatReset: make(chan time.Duration, 1),
	}
	c.handler = NewHandler(evse, c.sendText, cfg.HeartbeatInterval, logger)
	c.handler.OnHeartbeatChange(func(d time.Duration) {
		select {
		case c.heartbeatReset <- d:
		default:
		}
	})
	return c
}

// Start launches the connect/reconnect loop. No-op when disabled.
func (c *Client) Start() {
	if !c.cfg.Enabled {
		return
	}
	go c.run()
}

// Stop tears the session down.
func (c *Client) Stop() {
	close(c.done)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

// IsConnected reports whether a session is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// UpdateStatus forwards a controller snapshot to the protocol layer while a
// session is up.
func (c *Client) UpdateStatus(snap controller.Snapshot) {
	if !c.IsConnected() {
		return
	}
	c.handler.UpdateStatus(snap, time.Now())
}

func (c *Client) endpoint() string {
	scheme := "ws"
	if c.cfg.UseTLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port),
		Path:   c.cfg.URL,
	}
	return u.String()
}

func (c *Client) run() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.session(); err != nil {
			c.logger.Printf("[OCPP] session ended: %v", err)
		}

		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// session dials, announces, heartbeats and reads until the connection drops.
func (c *Client) session() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.ConnTimeout,
		Subprotocols:     []string{"ocpp1.6"},
	}
	header := http.Header{}
	if c.cfg.AuthKey != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(c.cfg.AuthKey))
		header.Set("Authorization", "Basic "+cred)
	}

	endpoint := c.endpoint()
	c.logger.Printf("[OCPP] connecting to %s", endpoint)
	conn, _, err := dialer.Dial(endpoint, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.logger.Printf("[OCPP] connected")
	if err := c.handler.SendBootNotification(); err != nil {
		return err
	}

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go c.heartbeatLoop(stopHeartbeat)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handler.HandleMessage(data)
	}
}

func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.handler.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case d := <-c.heartbeatReset:
			ticker.Reset(d)
		case <-ticker.C:
			if err := c.handler.SendHeartbeat(); err != nil {
				c.logger.Printf("[OCPP] heartbeat failed: %v", err)
			}
		}
	}
}

func (c *Client) sendText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
