// Package messaging provides a NATS client wrapper for cross-instance
// fan-out. A gateway publishes every channel broadcast and presence change
// to NATS so that sibling gateway instances holding members of the same
// channel deliver them locally.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the gateway.
const (
	SubjectChannel  = "channel"  // + .<channel_id>
	SubjectPresence = "presence" // + .<user_id>
)

// ChannelEvent is the payload published to channel.<channel_id> subjects.
// Origin identifies the publishing gateway instance so subscribers can drop
// their own events; ExcludeConn carries the sender's connection ID so the
// origin instance never echoes a message back to its sender.
type ChannelEvent struct {
	Origin      string `json:"origin"`
	ExcludeConn string `json:"exclude_conn,omitempty"`
	Payload     []byte `json:"payload"`
}

// PresenceEvent is the payload published to presence.<user_id> subjects.
// Channels names the audience for the transition; offline events need it
// because the origin's registry forgets the user's channels on departure.
type PresenceEvent struct {
	Origin   string   `json:"origin"`
	UserID   string   `json:"user_id"`
	Status   string   `json:"status"`
	Channels []string `json:"channels,omitempty"`
	Ts       int64    `json:"ts"`
}

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "tandem-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
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

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishChannelEvent publishes data to the channel.<channelID> subject.
func (c *Client) PublishChannelEvent(channelID string, data []byte) error {
	return c.conn.Publish(SubjectChannel+"."+channelID, data)
}

// SubscribeChannel subscribes to the channel.<channelID> subject. The
// subscription is tracked so UnsubscribeChannel can drop it when the local
// gateway loses its last member of the channel.
func (c *Client) SubscribeChannel(channelID string, handler func(data []byte)) error {
	subject := SubjectChannel + "." + channelID

	c.mu.Lock()
	if _, exists := c.subs[subject]; exists {
		c.mu.Unlock()
		return nil // already subscribed
	}
	c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeChannel unsubscribes from the channel.<channelID> subject.
func (c *Client) UnsubscribeChannel(channelID string) error {
	return c.unsubscribe(SubjectChannel + "." + channelID)
}

// PublishPresenceEvent publishes data to the presence.<userID> subject.
func (c *Client) PublishPresenceEvent(userID string, data []byte) error {
	return c.conn.Publish(SubjectPresence+"."+userID, data)
}

// SubscribePresence subscribes to all presence change events.
func (c *Client) SubscribePresence(handler func(data []byte)) error {
	subject := SubjectPresence + ".>"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
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

// unsubscribe removes and unsubscribes from a specific subject.
func (c *Client) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
