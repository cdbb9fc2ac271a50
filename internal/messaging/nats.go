// Package messaging provides a NATS client wrapper for the chat server's
// outbound event feed. Accepted room messages and moderation events are
// published on fixed subjects; audit consumers subscribe to them.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// NATS subjects.
const (
	SubjectRoom             = "chat.room" // + .<room>
	SubjectModerationEvents = "moderation.events"
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
		Name:          "pitchtalk",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	logger := log.WithFields(log.Fields{"component": "nats", "client": config.Name})

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("disconnected")
			} else {
				logger.Info("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.WithField("url", nc.ConnectedUrl()).Info("connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishRoomMessage publishes an encoded new_message frame to
// chat.room.<room>.
func (c *NATSClient) PublishRoomMessage(room string, data []byte) error {
	return c.Publish(SubjectRoom+"."+room, data)
}

// SubscribeRoomMessages subscribes to accepted messages of every room. The
// handler receives the room name and the raw frame.
func (c *NATSClient) SubscribeRoomMessages(handler func(room string, data []byte)) error {
	prefix := SubjectRoom + "."
	return c.Subscribe(prefix+"*", func(msg *nats.Msg) {
		handler(msg.Subject[len(prefix):], msg.Data)
	})
}

// PublishModerationEvent publishes an encoded moderation event.
func (c *NATSClient) PublishModerationEvent(data []byte) error {
	return c.Publish(SubjectModerationEvents, data)
}

// SubscribeModerationEvents subscribes to the moderation event feed.
func (c *NATSClient) SubscribeModerationEvents(handler func(data []byte)) error {
	return c.Subscribe(SubjectModerationEvents, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
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

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := log.WithField("component", "nats")
	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			logger.WithError(err).WithField("subject", subject).Warn("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		logger.WithError(err).Warn("connection drain failed")
	}

	logger.Info("client closed")
}
