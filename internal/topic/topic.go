// Package topic draws conversation starters for new chat sessions. Starters
// are drawn without replacement per interest; when every starter for the
// requested interests has been used, the set is reset once and drawn again.
package topic

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/convo/chat-app/internal/metrics"
)

var (
	// ErrExhausted is returned by a Store when no unused starter remains.
	ErrExhausted = errors.New("topic: no unused starter")

	// ErrNoTopic is returned by Draw when nothing can be drawn even after a
	// reset, including when no interests are given.
	ErrNoTopic = errors.New("topic: no starter available")
)

// Starter is a conversation prompt tied to one interest.
type Starter struct {
	ID       int64  `json:"id"`
	Interest string `json:"interest"`
	Topic    string `json:"topic"`
	Used     bool   `json:"used"`
}

// Store persists starters.
type Store interface {
	// TakeUnused atomically selects one unused starter for any of the
	// interests, marks it used and returns its text, or ErrExhausted.
	TakeUnused(ctx context.Context, interests []string) (string, error)
	// ResetUsed marks every starter for the interests unused again.
	ResetUsed(ctx context.Context, interests []string) error
}

// Drawer draws starters from a Store.
type Drawer struct {
	store  Store
	logger *zap.Logger
}

// NewDrawer creates a Drawer.
func NewDrawer(store Store, logger *zap.Logger) *Drawer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drawer{store: store, logger: logger.Named("topic")}
}

// Draw returns an unused starter for interests. On exhaustion it resets the
// interests' starters and tries exactly once more.
func (d *Drawer) Draw(ctx context.Context, interests []string) (string, error) {
	if len(interests) == 0 {
		metrics.TopicDraws.WithLabelValues("none").Inc()
		return "", ErrNoTopic
	}

	t, err := d.store.TakeUnused(ctx, interests)
	if err == nil {
		metrics.TopicDraws.WithLabelValues("drawn").Inc()
		return t, nil
	}
	if !errors.Is(err, ErrExhausted) {
		return "", err
	}

	d.logger.Debug("starters exhausted, resetting", zap.Strings("interests", interests))
	if err := d.store.ResetUsed(ctx, interests); err != nil {
		return "", err
	}

	t, err = d.store.TakeUnused(ctx, interests)
	if errors.Is(err, ErrExhausted) {
		metrics.TopicDraws.WithLabelValues("none").Inc()
		return "", ErrNoTopic
	}
	if err != nil {
		return "", err
	}
	metrics.TopicDraws.WithLabelValues("reset").Inc()
	return t, nil
}
