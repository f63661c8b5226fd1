package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/convo/chat-app/internal/metrics"
	"github.com/convo/chat-app/internal/topic"
)

// SessionStore is the persistence a Lifecycle needs. *Store and the
// in-memory store both satisfy it.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	Append(ctx context.Context, sessionID string, m Message) error
	Messages(ctx context.Context, sessionID string) ([]Message, error)
	Release(ctx context.Context, s *Session, reason string, at time.Time) (reset int, ended bool, err error)
}

// Broadcaster fans session events out to both participants.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event) error
}

// TopicDrawer draws a conversation starter for a set of interests.
// *topic.Drawer satisfies it.
type TopicDrawer interface {
	Draw(ctx context.Context, interests []string) (string, error)
}

// Archiver keeps a durable copy of a session once it has ended.
type Archiver interface {
	Archive(ctx context.Context, s *Session, msgs []Message) error
}

// Lifecycle runs the message log and the end-of-session reset on top of a
// SessionStore. Broadcaster and Archiver are optional.
type Lifecycle struct {
	store       SessionStore
	broadcaster Broadcaster
	archiver    Archiver
	topics      TopicDrawer
	now         func() time.Time
	logger      *zap.Logger
}

// NewLifecycle creates a Lifecycle. bc and arch may be nil.
func NewLifecycle(store SessionStore, bc Broadcaster, arch Archiver, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		store:       store,
		broadcaster: bc,
		archiver:    arch,
		now:         time.Now,
		logger:      logger.Named("chat"),
	}
}

// SetClock replaces the time source.
func (l *Lifecycle) SetClock(now func() time.Time) {
	l.now = now
}

// SetTopics attaches a topic drawer used by DrawTopic.
func (l *Lifecycle) SetTopics(t TopicDrawer) {
	l.topics = t
}

// Session loads a session by id.
func (l *Lifecycle) Session(ctx context.Context, id string) (*Session, error) {
	return l.store.Get(ctx, id)
}

// ObserveExpiry reports whether the session's lifetime has elapsed. It has
// no side effects.
func (l *Lifecycle) ObserveExpiry(ctx context.Context, id string) (bool, error) {
	s, err := l.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.Expired(l.now()), nil
}

// AppendMessage validates text and appends it to the session log on behalf of
// authorID. A session found past its expiry is ended on the spot.
func (l *Lifecycle) AppendMessage(ctx context.Context, sessionID, authorID, text string) (*Message, error) {
	if err := ValidateMessage(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	s, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.IsParticipant(authorID) {
		return nil, ErrNotParticipant
	}

	now := l.now()
	if s.Status != StatusActive {
		return nil, ErrSessionClosed
	}
	if s.Expired(now) {
		if err := l.end(ctx, s, ReasonExpired); err != nil {
			l.logger.Warn("lazy expiry failed", zap.String("session_id", s.ID), zap.Error(err))
		}
		return nil, ErrSessionClosed
	}

	m := Message{
		ID:       uuid.New().String(),
		AuthorID: authorID,
		Text:     text,
		SentAt:   now,
	}
	if err := l.store.Append(ctx, s.ID, m); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	l.broadcast(ctx, Event{Type: EventMessage, SessionID: s.ID, Message: &m})
	return &m, nil
}

// Messages returns the session log in insertion order.
func (l *Lifecycle) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if _, err := l.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return l.store.Messages(ctx, sessionID)
}

// End resets both participants and marks the session ended. Calling it
// again, from any process, is harmless: only participants still bound to
// the session are reset, and only the call that ended the session archives
// it and notifies the participants.
func (l *Lifecycle) End(ctx context.Context, sessionID, reason string) error {
	s, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return l.end(ctx, s, reason)
}

func (l *Lifecycle) end(ctx context.Context, s *Session, reason string) error {
	at := l.now()
	reset, ended, err := l.store.Release(ctx, s, reason, at)
	if err != nil {
		return err
	}
	if reset > 0 {
		metrics.ProfilesReset.Add(float64(reset))
	}
	if !ended {
		return nil
	}

	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	l.logger.Info("session ended",
		zap.String("session_id", s.ID),
		zap.String("reason", reason),
		zap.Int("reset", reset),
	)

	s.Status = StatusEnded
	s.EndedAt = at
	s.EndReason = reason

	if l.archiver != nil {
		if err := l.archive(ctx, s); err != nil {
			l.logger.Error("archive failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
	l.broadcast(ctx, Event{Type: EventEnded, SessionID: s.ID, Reason: reason})
	return nil
}

func (l *Lifecycle) archive(ctx context.Context, s *Session) error {
	msgs, err := l.store.Messages(ctx, s.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return l.archiver.Archive(ctx, s, msgs)
}

// DrawTopic draws a new conversation starter from the session's shared
// interests on behalf of userID and announces it to both participants.
func (l *Lifecycle) DrawTopic(ctx context.Context, sessionID, userID string) (string, error) {
	s, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !s.IsParticipant(userID) {
		return "", ErrNotParticipant
	}
	if !s.Active(l.now()) {
		return "", ErrSessionClosed
	}
	if l.topics == nil {
		return "", topic.ErrNoTopic
	}

	t, err := l.topics.Draw(ctx, s.SharedInterests)
	if err != nil {
		return "", err
	}
	l.Announce(ctx, s.ID, t)
	return t, nil
}

// Announce broadcasts a topic starter to the session.
func (l *Lifecycle) Announce(ctx context.Context, sessionID, topic string) {
	l.broadcast(ctx, Event{Type: EventTopic, SessionID: sessionID, Topic: topic})
}

func (l *Lifecycle) broadcast(ctx context.Context, ev Event) {
	if l.broadcaster == nil {
		return
	}
	if err := l.broadcaster.Broadcast(ctx, ev); err != nil {
		l.logger.Warn("broadcast failed",
			zap.String("session_id", ev.SessionID),
			zap.String("type", ev.Type),
			zap.Error(err),
		)
	}
}
