package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/config"
)

// Logger is the subset of logging.Logger the client uses.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives one inbound message. paho calls handlers from its
// own goroutine, so they must not block. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// Stats are cumulative client counters.
type Stats struct {
	Received      uint64
	Published     uint64
	PublishErrors uint64
	HandlerErrors uint64
	HandlerPanics uint64
	Reconnects    uint64
	Subscriptions int
	Connected     bool
}

// Client is the link service's connection to the MQTT broker. It announces
// the service on the system status topic, keeps the subscriptions it was
// given across reconnects and shields paho from handler panics.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	connected atomic.Bool
	everUp    atomic.Bool

	received      atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64
	handlerErrors atomic.Uint64
	handlerPanics atomic.Uint64
	reconnects    atomic.Uint64

	callbackMu   sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)

	logger atomic.Pointer[Logger]
}

// Connect dials the broker and waits up to 10s for the first connection.
// Once connected it publishes a retained online status.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		topics:        Topics{Prefix: cfg.TopicPrefix},
		subscriptions: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg, c.topics)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.reconnects.Add(1)
		c.log().Warn("MQTT reconnecting", "broker", brokerURL(cfg))
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: %w after %v", ErrConnectionFailed, ErrTimeout, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously; callers may subscribe
	// before it fires.
	c.connected.Store(true)
	return c, nil
}

func (c *Client) handleConnect() {
	c.connected.Store(true)
	if c.everUp.Swap(true) {
		c.restoreSubscriptions()
	}
	c.client.Publish(c.topics.SystemStatus(), byte(c.cfg.QoS), true, //nolint:gosec // qos validated to 0..2
		statusPayload(StatusOnline, c.cfg.Broker.ClientID, ""))

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)
	c.log().Warn("MQTT connection lost", "error", err)

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// Close publishes a graceful offline status, which the broker keeps
// instead of the LWT, and disconnects. Safe on a never-connected client.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(c.topics.SystemStatus(), byte(c.cfg.QoS), true, //nolint:gosec // qos validated to 0..2
			statusPayload(StatusOffline, c.cfg.Broker.ClientID, ReasonGraceful))
		token.WaitTimeout(operationTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected is the last known connection state, confirmed with paho.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.connected.Load() && c.client.IsConnected()
}

// SetOnConnect registers fn for the initial connect and every reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.callbackMu.Lock()
	c.onConnect = fn
	c.callbackMu.Unlock()
}

// SetOnDisconnect registers fn for every lost connection.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = fn
	c.callbackMu.Unlock()
}

// Topics returns the topic builder bound to the configured prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Received:      c.received.Load(),
		Published:     c.published.Load(),
		PublishErrors: c.publishErrors.Load(),
		HandlerErrors: c.handlerErrors.Load(),
		HandlerPanics: c.handlerPanics.Load(),
		Reconnects:    c.reconnects.Load(),
		Subscriptions: c.SubscriptionCount(),
		Connected:     c.IsConnected(),
	}
}

// SetLogger sets the logger for handler errors, panics and reconnects.
// A nil logger silences them.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		c.logger.Store(nil)
		return
	}
	c.logger.Store(&logger)
}

func (c *Client) log() Logger {
	if l := c.logger.Load(); l != nil {
		return *l
	}
	return discard{}
}

type discard struct{}

func (discard) Error(string, ...any) {}
func (discard) Warn(string, ...any)  {}
