// Package messaging provides a NATS client wrapper for pub/sub and
// request-reply across Convo services. It handles connection lifecycle,
// keyed subscriptions, and convenience methods for the matching and chat
// subjects.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subject patterns used across Convo services.
const (
	SubjectMatchRequest  = "match.request"  // request-reply
	SubjectMatchCancel   = "match.cancel"   // request-reply
	SubjectMatchEstimate = "match.estimate" // request-reply
	SubjectMatchFound    = "match.found"    // + .<user_id>
	SubjectPoolChanged   = "pool.changed"
	SubjectChat          = "chat" // + .<session_id>

	// MatcherQueue is the queue group matcher replicas share, so each
	// request is handled once.
	MatcherQueue = "matcher"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger *zap.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string        // nats://localhost:4222
	Name           string        // client name for identification
	ReconnectWait  time.Duration // time between reconnect attempts
	MaxReconnects  int           // max reconnect attempts (-1 for infinite)
	RequestTimeout time.Duration // default deadline for Request without one
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            "nats://localhost:4222",
		Name:           "convo",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		RequestTimeout: 5 * time.Second,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect: %w", err)
	}

	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Request sends data on subject and waits for a single reply. The caller's
// context bounds the wait.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("messaging: request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Subscribe registers a handler for the given subject under key, so that it
// can later be removed with Unsubscribe(key).
func (c *NATSClient) Subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	c.track(key, sub)
	return nil
}

// Respond serves request-reply traffic on subject within the matcher queue
// group. The handler's return value is sent back as the reply.
func (c *NATSClient) Respond(subject string, handler func(data []byte) []byte) error {
	sub, err := c.conn.QueueSubscribe(subject, MatcherQueue, func(msg *nats.Msg) {
		reply := handler(msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			c.logger.Warn("respond failed", zap.String("subject", subject), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("messaging: respond %s: %w", subject, err)
	}
	c.track(subject, sub)
	return nil
}

// SubscribeToChat subscribes to chat.<sessionID>. The subscription is keyed
// by key so that both participants on the same server can follow the same
// session without overwriting each other.
func (c *NATSClient) SubscribeToChat(sessionID, key string, handler func(data []byte)) error {
	return c.Subscribe("chatsub:"+key, ChatSubject(sessionID), handler)
}

// UnsubscribeFromChat removes a chat subscription made with SubscribeToChat.
func (c *NATSClient) UnsubscribeFromChat(key string) error {
	return c.Unsubscribe("chatsub:" + key)
}

// SubscribeMatchFound subscribes to match.found.<userID>.
func (c *NATSClient) SubscribeMatchFound(userID string, handler func(data []byte)) error {
	return c.Subscribe(MatchFoundSubject(userID), MatchFoundSubject(userID), handler)
}

// UnsubscribeMatchFound unsubscribes from match.found.<userID>.
func (c *NATSClient) UnsubscribeMatchFound(userID string) error {
	return c.Unsubscribe(MatchFoundSubject(userID))
}

// SubscribePoolChanged subscribes to pool.changed, which fires whenever the
// waiting room or presence set changed.
func (c *NATSClient) SubscribePoolChanged(handler func(data []byte)) error {
	return c.Subscribe(SubjectPoolChanged, SubjectPoolChanged, handler)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain failed", zap.String("key", key), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain failed", zap.Error(err))
	}

	c.logger.Info("client closed")
}

// Unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("messaging: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", key, err)
	}
	return nil
}

func (c *NATSClient) track(key string, sub *nats.Subscription) {
	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
}

// ChatSubject returns the subject a session's events are published on.
func ChatSubject(sessionID string) string {
	return SubjectChat + "." + sessionID
}

// MatchFoundSubject returns the subject a user's match notifications use.
func MatchFoundSubject(userID string) string {
	return SubjectMatchFound + "." + userID
}
