package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Subscribe registers handler for topic, which may contain + and #
// wildcards. The subscription is replayed after every reconnect.
//
//	err := client.Subscribe(client.Topics().AllDeviceEvents(), 1, demux.HandleEnvelope)
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Tracked first so a reconnect racing the SUBACK still replays it.
	c.track(topic, subscription{qos: qos, handler: handler})
	err := await(c.client.Subscribe(topic, qos, c.wrapHandler(handler)), ErrSubscribeFailed)
	if err != nil {
		c.untrack(topic)
	}
	return err
}

// Unsubscribe drops topic. Messages already in flight may still arrive.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.untrack(topic)
	return await(c.client.Unsubscribe(topic), ErrUnsubscribeFailed)
}

func (c *Client) track(topic string, sub subscription) {
	c.subMu.Lock()
	c.subscriptions[topic] = sub
	c.subMu.Unlock()
}

func (c *Client) untrack(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

// SubscriptionCount returns the number of tracked topics.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether topic (exact string) is tracked.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[topic]
	return ok
}

// restoreSubscriptions replays tracked subscriptions after a reconnect.
// Clean sessions mean the broker forgot them. It runs on paho's connect
// goroutine, so the SUBACKs are awaited elsewhere.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	pending := make(map[string]pahomqtt.Token, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		pending[topic] = c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
	}
	c.subMu.RUnlock()

	go func() {
		for topic, token := range pending {
			if err := await(token, ErrSubscribeFailed); err != nil {
				c.log().Error("MQTT resubscribe failed", "topic", topic, "error", err)
			}
		}
	}()
}

// wrapHandler counts the message and keeps a handler panic or error from
// reaching paho's delivery goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.received.Add(1)
		topic := msg.Topic()
		defer func() {
			if r := recover(); r != nil {
				c.handlerPanics.Add(1)
				c.log().Error("MQTT handler panic recovered", "topic", topic, "panic", r)
			}
		}()

		if err := handler(topic, msg.Payload()); err != nil {
			c.handlerErrors.Add(1)
			c.log().Warn("MQTT handler returned error", "topic", topic, "error", err)
		}
	}
}
