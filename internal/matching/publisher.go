package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/messaging"
)

// MatchResult is the payload published on match.found.<user_id> when a
// session is created for the user or their search times out.
type MatchResult struct {
	Timeout         bool      `json:"timeout,omitempty"`
	ChatID          string    `json:"chat_id,omitempty"`
	PartnerID       string    `json:"partner_id,omitempty"`
	SharedInterests []string  `json:"shared_interests,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	Topic           string    `json:"topic,omitempty"`
}

// PoolEvent is the payload published on pool.changed.
type PoolEvent struct {
	At time.Time `json:"at"`
}

// Publisher is the subset of the NATS client the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier implements Notifier on top of NATS.
type NATSNotifier struct {
	pub Publisher
}

// NewNATSNotifier creates a notifier publishing through pub.
func NewNATSNotifier(pub Publisher) *NATSNotifier {
	return &NATSNotifier{pub: pub}
}

// MatchFound publishes the result to both participants, each seeing the
// other as partner.
func (n *NATSNotifier) MatchFound(_ context.Context, s *chat.Session, topic string) error {
	for _, userID := range s.Participants {
		msg := MatchResult{
			ChatID:          s.ID,
			PartnerID:       s.Partner(userID),
			SharedInterests: s.SharedInterests,
			ExpiresAt:       s.ExpiresAt,
			Topic:           topic,
		}
		if err := n.publish(messaging.MatchFoundSubject(userID), msg); err != nil {
			return err
		}
	}
	return nil
}

// PoolChanged signals that the set of candidates changed.
func (n *NATSNotifier) PoolChanged(_ context.Context) error {
	return n.publish(messaging.SubjectPoolChanged, PoolEvent{At: time.Now()})
}

// SearchExpired tells userID their search was stopped without a match.
func (n *NATSNotifier) SearchExpired(_ context.Context, userID string) error {
	return n.publish(messaging.MatchFoundSubject(userID), MatchResult{Timeout: true})
}

func (n *NATSNotifier) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("matching: marshal %s: %w", subject, err)
	}
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("matching: publish %s: %w", subject, err)
	}
	return nil
}
