// Package profile holds each user's interest selection together with the
// presence and matching flags the waiting room operates on. Profiles live in
// Redis as one hash per user.
package profile

import (
	"errors"
	"time"

	"github.com/convo/chat-app/internal/interest"
)

// ErrNotFound is returned when no profile exists for an id.
var ErrNotFound = errors.New("profile: not found")

// ErrInSession is returned by StopSearch when the user is bound to a chat
// session other than the one the caller expected.
var ErrInSession = errors.New("profile: bound to another session")

// Profile is a user's matching state.
//
// MatchedWith and CurrentChatRoom are set iff IsMatched.
type Profile struct {
	ID                string    `json:"id"`
	Interests         []string  `json:"interests"`
	IsOnline          bool      `json:"is_online"`
	IsLookingForMatch bool      `json:"is_looking_for_match"`
	IsMatched         bool      `json:"is_matched"`
	MatchedWith       string    `json:"matched_with,omitempty"`
	CurrentChatRoom   string    `json:"current_chat_room,omitempty"`
	LastMatchAttempt  time.Time `json:"last_match_attempt,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// New returns the profile a fresh registration starts with.
func New(id string, now time.Time) *Profile {
	return &Profile{ID: id, Interests: []string{}, CreatedAt: now}
}

// Eligible reports whether p could be paired with requesterID right now,
// ignoring whether p is actively searching.
func (p *Profile) Eligible(requesterID string) bool {
	return p.IsOnline && !p.IsMatched && p.ID != requesterID
}

// Searching reports whether p is a waiting-room candidate for requesterID.
func (p *Profile) Searching(requesterID string) bool {
	return p.Eligible(requesterID) && p.IsLookingForMatch
}

// InterestsChanged reports whether selection differs from the saved interests.
func (p *Profile) InterestsChanged(selection []string) bool {
	return !interest.Equal(p.Interests, selection)
}

// ClearMatch resets the four matching fields.
func (p *Profile) ClearMatch() {
	p.IsLookingForMatch = false
	p.IsMatched = false
	p.MatchedWith = ""
	p.CurrentChatRoom = ""
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Interests = append([]string(nil), p.Interests...)
	return &c
}
