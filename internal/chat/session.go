// Package chat owns the time-boxed chat rooms created for matched pairs:
// session creation and expiry, the append-only message log, and the
// idempotent reset of both participants when a session ends.
package chat

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Lifetime is how long a chat session stays active.
const Lifetime = 5 * time.Minute

const (
	StatusActive = "active"
	StatusEnded  = "ended"

	ReasonExpired   = "expired"
	ReasonCancelled = "cancelled"
)

var (
	ErrNotFound       = errors.New("chat: session not found")
	ErrSelfSession    = errors.New("chat: participants must be distinct")
	ErrClaimConflict  = errors.New("chat: participant state changed before claim")
	ErrNotParticipant = errors.New("chat: not a participant")
	ErrSessionClosed  = errors.New("chat: session is no longer active")
)

// Session is a chat room shared by exactly two users.
type Session struct {
	ID              string    `json:"id"`
	Participants    [2]string `json:"participants"`
	SharedInterests []string  `json:"shared_interests"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	EndedAt         time.Time `json:"ended_at,omitempty"`
	EndReason       string    `json:"end_reason,omitempty"`
}

// Message is one entry of a session's log. Never mutated after append.
type Message struct {
	ID       string    `json:"id"`
	AuthorID string    `json:"author_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

// NewSession allocates an active session for a and b starting at now.
func NewSession(a, b string, shared []string, now time.Time) (*Session, error) {
	if a == "" || b == "" || a == b {
		return nil, ErrSelfSession
	}
	return &Session{
		ID:              uuid.New().String(),
		Participants:    [2]string{a, b},
		SharedInterests: shared,
		Status:          StatusActive,
		CreatedAt:       now,
		ExpiresAt:       now.Add(Lifetime),
	}, nil
}

// Expired reports whether the session's lifetime has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Active reports whether the session is neither ended nor expired at now.
func (s *Session) Active(now time.Time) bool {
	return s.Status == StatusActive && !s.Expired(now)
}

// Remaining returns the time left before expiry, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Partner returns the other participant, or "" if userID is not in the session.
func (s *Session) Partner(userID string) string {
	switch userID {
	case s.Participants[0]:
		return s.Participants[1]
	case s.Participants[1]:
		return s.Participants[0]
	}
	return ""
}

// IsParticipant checks if userID is part of this session.
func (s *Session) IsParticipant(userID string) bool {
	return userID != "" && (userID == s.Participants[0] || userID == s.Participants[1])
}
