package mqtt

import (
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/onionwarden/internal/infrastructure/config"
)

// Client publishes supervisor telemetry and carries the command
// subscription. It announces itself on the retained system status topic
// and re-subscribes after every reconnect. Safe for concurrent use.
type Client struct {
	paho pahomqtt.Client
	cfg  config.MQTTConfig

	mu     sync.Mutex
	online bool
	// routes maps a topic filter to its QoS and handler; it is replayed
	// on reconnect.
	routes map[string]route
	lost   func(err error)
	logger Logger
}

// Logger is the subset of logging.Logger the client needs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type route struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one message. It runs on a paho goroutine and
// should return quickly. A returned error is logged only.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker with the offline will set and blocks until the
// first session is up. Later drops are retried by paho.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{cfg: cfg, routes: make(map[string]route)}

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.sessionUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.sessionLost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.warn("mqtt reconnecting", "broker", brokerURL(cfg))
	})

	c.paho = pahomqtt.NewClient(opts)
	tok := c.paho.Connect()
	if !tok.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// sessionUp may not have run yet.
	c.setOnline(true)
	return c, nil
}

func (c *Client) sessionUp() {
	c.mu.Lock()
	c.online = true
	routes := make(map[string]route, len(c.routes))
	for topic, r := range c.routes {
		routes[topic] = r
	}
	c.mu.Unlock()

	for topic, r := range routes {
		c.paho.Subscribe(topic, r.qos, c.deliver(r.handler))
	}
	c.announce(statusOnline, "")
}

func (c *Client) sessionLost(err error) {
	c.mu.Lock()
	c.online = false
	lost := c.lost
	c.mu.Unlock()

	if lost != nil {
		lost(err)
	}
}

func (c *Client) setOnline(v bool) {
	c.mu.Lock()
	c.online = v
	c.mu.Unlock()
}

// announce publishes the retained presence message without waiting.
func (c *Client) announce(status, reason string) pahomqtt.Token {
	payload := buildPresencePayload(c.cfg.Broker.ClientID, status, reason)
	return c.paho.Publish(Topics{}.SystemStatus(), c.QoS(), true, payload)
}

// Close announces a graceful shutdown and disconnects. A nil or never
// connected client is a no-op.
func (c *Client) Close() error {
	if c == nil || c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		c.announce(statusOffline, reasonShutdown).WaitTimeout(defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.setOnline(false)
	return nil
}

// IsConnected reports whether a broker session is currently up.
func (c *Client) IsConnected() bool {
	if c.paho == nil {
		return false
	}
	c.mu.Lock()
	online := c.online
	c.mu.Unlock()
	return online && c.paho.IsConnected()
}

// QoS is the configured default QoS.
func (c *Client) QoS() byte {
	return byte(c.cfg.QoS)
}

// SetOnDisconnect sets a callback run when the broker session drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.lost = fn
	c.mu.Unlock()
}

// SetLogger sets the logger for handler errors and panics.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

func (c *Client) warn(msg string, args ...any) {
	if l := c.log(); l != nil {
		l.Warn(msg, args...)
	}
}

func (c *Client) deliver(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.dispatch(handler, msg.Topic(), msg.Payload())
	}
}

// dispatch runs handler, logging a returned error and recovering a panic.
func (c *Client) dispatch(handler MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			if l := c.log(); l != nil {
				l.Error("mqtt handler panic recovered", "topic", topic, "panic", r)
			}
		}
	}()

	if err := handler(topic, payload); err != nil {
		c.warn("mqtt handler returned error", "topic", topic, "error", err)
	}
}
