// Package matching pairs searching users who share interests. The Matcher
// scans the waiting room and claims a session atomically; the Estimator
// counts who could be matched right now; the Sweeper stops stale searches
// and ends expired sessions; the Service exposes all of it over NATS.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/interest"
	"github.com/convo/chat-app/internal/metrics"
	"github.com/convo/chat-app/internal/profile"
)

// Outcome statuses.
const (
	StatusMatched = "matched"
	StatusWaiting = "waiting"
)

// DefaultMaxClaimAttempts bounds scan-and-claim rounds per request.
const DefaultMaxClaimAttempts = 3

// Outcome is the result of a match request.
type Outcome struct {
	Status          string    `json:"status"`
	ChatRoomID      string    `json:"chat_room_id,omitempty"`
	PartnerID       string    `json:"partner_id,omitempty"`
	SharedInterests []string  `json:"shared_interests,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	Topic           string    `json:"topic,omitempty"`
}

// ProfileStore is the profile persistence the matching package needs.
type ProfileStore interface {
	Get(ctx context.Context, id string) (*profile.Profile, error)
	BeginSearch(ctx context.Context, id string, interests []string, at time.Time) error
	StopSearch(ctx context.Context, id, room string) error
	Waiting(ctx context.Context) ([]*profile.Profile, error)
	Online(ctx context.Context) ([]*profile.Profile, error)
}

// SessionStore is the chat session persistence the matching package needs.
type SessionStore interface {
	Claim(ctx context.Context, s *chat.Session) error
	Get(ctx context.Context, id string) (*chat.Session, error)
	Due(ctx context.Context, now time.Time) ([]string, error)
}

// SessionEnder ends a session and resets its participants. *chat.Lifecycle
// satisfies it.
type SessionEnder interface {
	End(ctx context.Context, sessionID, reason string) error
}

// TopicDrawer draws a conversation starter for a new session.
type TopicDrawer interface {
	Draw(ctx context.Context, interests []string) (string, error)
}

// Notifier tells clients about matches and waiting-room changes.
type Notifier interface {
	MatchFound(ctx context.Context, s *chat.Session, topic string) error
	PoolChanged(ctx context.Context) error
	SearchExpired(ctx context.Context, userID string) error
}

type nopNotifier struct{}

func (nopNotifier) MatchFound(context.Context, *chat.Session, string) error { return nil }
func (nopNotifier) PoolChanged(context.Context) error                       { return nil }
func (nopNotifier) SearchExpired(context.Context, string) error             { return nil }

// MatcherConfig tunes the Matcher.
type MatcherConfig struct {
	Policy           Policy
	MaxClaimAttempts int
}

// DefaultMatcherConfig returns the first-match policy with three claim rounds.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{Policy: FirstMatch{}, MaxClaimAttempts: DefaultMaxClaimAttempts}
}

// Matcher runs match requests against the waiting room.
type Matcher struct {
	profiles ProfileStore
	sessions SessionStore
	ender    SessionEnder
	notifier Notifier
	topics   TopicDrawer
	config   MatcherConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewMatcher creates a Matcher. notifier may be nil.
func NewMatcher(profiles ProfileStore, sessions SessionStore, ender SessionEnder, notifier Notifier, config MatcherConfig, logger *zap.Logger) *Matcher {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if config.Policy == nil {
		config.Policy = FirstMatch{}
	}
	if config.MaxClaimAttempts < 1 {
		config.MaxClaimAttempts = DefaultMaxClaimAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		profiles: profiles,
		sessions: sessions,
		ender:    ender,
		notifier: notifier,
		config:   config,
		now:      time.Now,
		logger:   logger.Named("matcher"),
	}
}

// SetClock replaces the time source.
func (m *Matcher) SetClock(now func() time.Time) { m.now = now }

// SetTopics attaches a topic drawer; matched sessions then start with a
// conversation starter.
func (m *Matcher) SetTopics(t TopicDrawer) { m.topics = t }

// RequestMatch enrolls userID in the waiting room and tries to pair them with
// a searching user who shares an interest. Validation failures leave all
// state untouched.
func (m *Matcher) RequestMatch(ctx context.Context, userID string, interests []string) (*Outcome, error) {
	out, err := m.requestMatch(ctx, userID, interests)
	switch {
	case err == nil:
		metrics.MatchRequests.WithLabelValues(out.Status).Inc()
	case ErrorCode(err) == CodeUnavailable:
		metrics.MatchRequests.WithLabelValues("error").Inc()
	default:
		metrics.MatchRequests.WithLabelValues("rejected").Inc()
	}
	return out, err
}

func (m *Matcher) requestMatch(ctx context.Context, userID string, interests []string) (*Outcome, error) {
	selection, err := interest.Normalize(interests)
	if errors.Is(err, interest.ErrTooManyInterests) {
		return nil, ErrInterestCount
	}
	if err != nil {
		return nil, err
	}
	if len(selection) != interest.RequiredForMatch {
		return nil, ErrInterestCount
	}

	me, err := m.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if me.InterestsChanged(selection) {
		return nil, ErrUnsavedInterests
	}
	if me.IsMatched {
		if err := m.settleStaleMatch(ctx, me); err != nil {
			return nil, err
		}
	}

	if err := m.profiles.BeginSearch(ctx, userID, selection, m.now()); err != nil {
		return nil, err
	}
	m.poolChanged(ctx)

	for attempt := 1; attempt <= m.config.MaxClaimAttempts; attempt++ {
		waiting, err := m.profiles.Waiting(ctx)
		if err != nil {
			return nil, err
		}
		candidates := waiting[:0]
		for _, p := range waiting {
			if p.Searching(userID) {
				candidates = append(candidates, p)
			}
		}

		partner, shared := m.config.Policy.Select(selection, candidates)
		if partner == nil {
			break
		}

		sess, err := chat.NewSession(userID, partner.ID, shared, m.now())
		if err != nil {
			return nil, err
		}
		err = m.sessions.Claim(ctx, sess)
		if err == nil {
			return m.matched(ctx, sess, userID, partner), nil
		}
		if !errors.Is(err, chat.ErrClaimConflict) {
			return nil, err
		}

		metrics.ClaimConflicts.Inc()
		m.logger.Debug("claim conflict",
			zap.String("user_id", userID),
			zap.String("candidate_id", partner.ID),
			zap.Int("attempt", attempt),
		)

		// Someone else may have claimed us in the meantime.
		me, err = m.profiles.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if me.IsMatched {
			if s, err := m.sessions.Get(ctx, me.CurrentChatRoom); err == nil {
				return outcomeFor(s, userID, ""), nil
			}
		}
		if !me.IsLookingForMatch {
			break
		}
	}

	m.logger.Debug("waiting", zap.String("user_id", userID), zap.Strings("interests", selection))
	return &Outcome{Status: StatusWaiting}, nil
}

// settleStaleMatch rejects a request from a user in a live session and
// otherwise ends whatever session the profile still points at.
func (m *Matcher) settleStaleMatch(ctx context.Context, me *profile.Profile) error {
	s, err := m.sessions.Get(ctx, me.CurrentChatRoom)
	if errors.Is(err, chat.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.Active(m.now()) {
		return ErrAlreadyMatched
	}
	return m.ender.End(ctx, s.ID, chat.ReasonExpired)
}

func (m *Matcher) matched(ctx context.Context, s *chat.Session, userID string, partner *profile.Profile) *Outcome {
	if !partner.LastMatchAttempt.IsZero() {
		metrics.MatchDuration.Observe(s.CreatedAt.Sub(partner.LastMatchAttempt).Seconds())
	}

	var topic string
	if m.topics != nil {
		t, err := m.topics.Draw(ctx, s.SharedInterests)
		if err != nil {
			m.logger.Warn("no topic for session", zap.String("session_id", s.ID), zap.Error(err))
		}
		topic = t
	}

	m.logger.Info("matched",
		zap.String("session_id", s.ID),
		zap.String("user_a", s.Participants[0]),
		zap.String("user_b", s.Participants[1]),
		zap.Strings("shared", s.SharedInterests),
	)

	if err := m.notifier.MatchFound(ctx, s, topic); err != nil {
		m.logger.Warn("match notification failed", zap.String("session_id", s.ID), zap.Error(err))
	}
	m.poolChanged(ctx)
	return outcomeFor(s, userID, topic)
}

// CancelSearch stops userID's search. A user inside a session ends it for
// both participants. Calling it with nothing to cancel is a no-op.
func (m *Matcher) CancelSearch(ctx context.Context, userID string) error {
	// A claim can land between reading the profile and stopping the search;
	// the second pass then ends the new session instead.
	for attempt := 1; ; attempt++ {
		err := m.cancelOnce(ctx, userID)
		if errors.Is(err, profile.ErrInSession) && attempt < 2 {
			continue
		}
		return err
	}
}

func (m *Matcher) cancelOnce(ctx context.Context, userID string) error {
	me, err := m.profiles.Get(ctx, userID)
	if err != nil {
		return err
	}

	room := ""
	if me.IsMatched && me.CurrentChatRoom != "" {
		s, err := m.sessions.Get(ctx, me.CurrentChatRoom)
		switch {
		case err == nil:
			reason := chat.ReasonCancelled
			if s.Expired(m.now()) {
				reason = chat.ReasonExpired
			}
			if err := m.ender.End(ctx, s.ID, reason); err != nil {
				return fmt.Errorf("matching: cancel %s: %w", userID, err)
			}
			m.logger.Info("session cancelled", zap.String("user_id", userID), zap.String("session_id", s.ID))
			return nil
		case !errors.Is(err, chat.ErrNotFound):
			return err
		}
		room = me.CurrentChatRoom
	}

	if err := m.profiles.StopSearch(ctx, userID, room); err != nil {
		return err
	}
	m.poolChanged(ctx)
	return nil
}

func (m *Matcher) poolChanged(ctx context.Context) {
	if err := m.notifier.PoolChanged(ctx); err != nil {
		m.logger.Warn("pool change notification failed", zap.Error(err))
	}
}

func outcomeFor(s *chat.Session, userID, topic string) *Outcome {
	return &Outcome{
		Status:          StatusMatched,
		ChatRoomID:      s.ID,
		PartnerID:       s.Partner(userID),
		SharedInterests: s.SharedInterests,
		ExpiresAt:       s.ExpiresAt,
		Topic:           topic,
	}
}
