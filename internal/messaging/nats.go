// Package messaging provides a NATS client wrapper for conversation-channel
// fan-out. Each conversation maps to a subject; every live connection that
// joins the conversation holds its own subscription, so a message published
// once reaches every subscribed tab of every participant.
package messaging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectConversation is the subject prefix for conversation channels
// (conversation.<conversation_id>).
const SubjectConversation = "conversation"

// NATSClient wraps the NATS connection with helper methods for
// conversation-channel pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription // "<conn_id>/<conversation_id>" -> sub
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
		Name:          "social-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
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

// PublishConversation publishes data to the conversation.<conversationID>
// subject, reaching every subscribed connection.
func (c *NATSClient) PublishConversation(conversationID string, data []byte) error {
	return c.conn.Publish(SubjectConversation+"."+conversationID, data)
}

// SubscribeConversation subscribes one connection to a conversation channel.
// The subscription is keyed by connection ID so multiple connections (tabs)
// on this server can subscribe to the same conversation independently.
// Re-joining replaces the previous subscription for that pair.
func (c *NATSClient) SubscribeConversation(conversationID, connID string, handler func(data []byte)) error {
	subject := SubjectConversation + "." + conversationID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	key := subKey(connID, conversationID)
	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeConversation removes one connection's subscription to a
// conversation channel.
func (c *NATSClient) UnsubscribeConversation(connID, conversationID string) error {
	key := subKey(connID, conversationID)

	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// UnsubscribeAll removes every conversation subscription held by a
// connection. Called when the connection closes.
func (c *NATSClient) UnsubscribeAll(connID string) {
	prefix := connID + "/"

	c.mu.Lock()
	var removed []*nats.Subscription
	for key, sub := range c.subs {
		if strings.HasPrefix(key, prefix) {
			removed = append(removed, sub)
			delete(c.subs, key)
		}
	}
	c.mu.Unlock()

	for _, sub := range removed {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe conn=%s: %v", connID, err)
		}
	}
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func subKey(connID, conversationID string) string {
	return connID + "/" + conversationID
}
