// Package messaging provides a NATS client wrapper for pub/sub fan-out
// across Duet services. It carries room-change signals (the watch primitive
// behind live message feeds), presence and typing events, and the
// push-notification queue consumed by the notifier worker.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across Duet services.
const (
	SubjectRoomChanged = "room.changed" // + .<room_id>
	SubjectPresence    = "presence"     // + .<room_id>
	SubjectPushSend    = "push.send"    // queue-consumed by notifier workers

	// pushQueueGroup ensures each push request is handled by one worker.
	pushQueueGroup = "duet-notifier"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "duet",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishRoomChanged signals that the room's durable message set changed.
// Every live feed watching the room re-queries on receipt.
func (c *NATSClient) PublishRoomChanged(roomID string) error {
	return c.Publish(SubjectRoomChanged+"."+roomID, nil)
}

// WatchRoom subscribes to change signals for a room and invokes fn on each.
// The returned cancel func tears down the subscription; lifetime is owned
// by the caller, so the subscription is not tracked in the subs map.
func (c *NATSClient) WatchRoom(roomID string, fn func()) (func(), error) {
	subject := SubjectRoomChanged + "." + roomID
	sub, err := c.conn.Subscribe(subject, func(_ *nats.Msg) { fn() })
	if err != nil {
		return nil, fmt.Errorf("nats watch %s: %w", subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unwatch %s: %v", subject, err)
		}
	}, nil
}

// PublishPresence publishes a presence or typing event scoped to a room.
func (c *NATSClient) PublishPresence(roomID string, data []byte) error {
	return c.Publish(SubjectPresence+"."+roomID, data)
}

// SubscribePresence subscribes to a room's presence events. The subscription
// is keyed by subscriberID so multiple connections on one process can
// observe the same room without clobbering each other.
func (c *NATSClient) SubscribePresence(roomID, subscriberID string, handler func(data []byte)) error {
	subject := SubjectPresence + "." + roomID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs["presencesub:"+subscriberID] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribePresence removes a subscriber's presence subscription.
func (c *NATSClient) UnsubscribePresence(subscriberID string) error {
	return c.unsubscribe("presencesub:" + subscriberID)
}

// PublishPushRequest enqueues a push-notification request for the notifier.
func (c *NATSClient) PublishPushRequest(data []byte) error {
	return c.Publish(SubjectPushSend, data)
}

// SubscribePushRequests consumes push requests as part of the notifier
// queue group, so each request is delivered to exactly one worker.
func (c *NATSClient) SubscribePushRequests(handler func(data []byte)) error {
	sub, err := c.conn.QueueSubscribe(SubjectPushSend, pushQueueGroup, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectPushSend, err)
	}

	c.mu.Lock()
	c.subs[SubjectPushSend] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a tracked subscription.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
