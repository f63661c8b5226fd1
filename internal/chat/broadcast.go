package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/convo/chat-app/internal/messaging"
)

// Publisher is the subset of the NATS client a broadcaster needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSBroadcaster publishes session events on chat.<session_id>.
type NATSBroadcaster struct {
	pub Publisher
}

// NewNATSBroadcaster creates a broadcaster on top of pub.
func NewNATSBroadcaster(pub Publisher) *NATSBroadcaster {
	return &NATSBroadcaster{pub: pub}
}

// Broadcast encodes ev as JSON and publishes it.
func (b *NATSBroadcaster) Broadcast(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("chat: marshal event: %w", err)
	}
	if err := b.pub.Publish(messaging.ChatSubject(ev.SessionID), data); err != nil {
		return fmt.Errorf("chat: publish %s: %w", ev.Type, err)
	}
	return nil
}
