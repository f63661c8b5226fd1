// Package memstore is an in-process implementation of the profile and chat
// session stores. All state sits behind one mutex, which gives Claim and
// Release the same all-or-nothing behaviour as the Redis scripts. It backs
// the single-process dev mode and the tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/interest"
	"github.com/convo/chat-app/internal/profile"
)

type waitEntry struct {
	since time.Time
	seq   uint64
}

// Store holds profiles, sessions and message logs in memory.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      uint64
	profiles map[string]*profile.Profile
	waiting  map[string]waitEntry
	sessions map[string]*chat.Session
	messages map[string][]chat.Message
}

// New creates an empty store.
func New() *Store {
	return &Store{
		now:      time.Now,
		profiles: make(map[string]*profile.Profile),
		waiting:  make(map[string]waitEntry),
		sessions: make(map[string]*chat.Session),
		messages: make(map[string][]chat.Message),
	}
}

// SetClock replaces the time source used for registration timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Profiles returns the profile-store view.
func (s *Store) Profiles() *Profiles { return &Profiles{s} }

// Sessions returns the chat-session-store view.
func (s *Store) Sessions() *Sessions { return &Sessions{s} }

// Profiles is the profile-store view of a Store.
type Profiles struct{ s *Store }

// Create registers a profile; an existing one is left untouched.
func (p *Profiles) Create(_ context.Context, id string) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		s.profiles[id] = profile.New(id, s.now())
	}
	return nil
}

// Get returns a copy of the profile.
func (p *Profiles) Get(_ context.Context, id string) (*profile.Profile, error) {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.profiles[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	return pr.Clone(), nil
}

// SaveInterests validates and stores the selection.
func (p *Profiles) SaveInterests(_ context.Context, id string, interests []string) error {
	normalized, err := interest.Normalize(interests)
	if err != nil {
		return err
	}
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.profiles[id]
	if !ok {
		return profile.ErrNotFound
	}
	pr.Interests = normalized
	return nil
}

// SetOnline records a presence transition.
func (p *Profiles) SetOnline(_ context.Context, id string, online bool) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.profiles[id]
	if !ok {
		return profile.ErrNotFound
	}
	pr.IsOnline = online
	return nil
}

// BeginSearch enrolls the user in the waiting room.
func (p *Profiles) BeginSearch(_ context.Context, id string, interests []string, at time.Time) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.profiles[id]
	if !ok {
		return profile.ErrNotFound
	}
	pr.Interests = append([]string(nil), interests...)
	pr.IsOnline = true
	pr.ClearMatch()
	pr.IsLookingForMatch = true
	pr.LastMatchAttempt = at
	s.seq++
	s.waiting[id] = waitEntry{since: at, seq: s.seq}
	return nil
}

// StopSearch clears the search flags and leaves the waiting room while the
// user is still bound to room ("" for no session).
func (p *Profiles) StopSearch(_ context.Context, id, room string) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.profiles[id]
	if !ok {
		return profile.ErrNotFound
	}
	if pr.CurrentChatRoom != room || (room == "" && pr.IsMatched) {
		return profile.ErrInSession
	}
	pr.ClearMatch()
	delete(s.waiting, id)
	return nil
}

// Waiting returns the waiting-room profiles, oldest search first.
func (p *Profiles) Waiting(_ context.Context) ([]*profile.Profile, error) {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.waiting))
	for id := range s.waiting {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.waiting[ids[i]], s.waiting[ids[j]]
		if !a.since.Equal(b.since) {
			return a.since.Before(b.since)
		}
		return a.seq < b.seq
	})

	out := make([]*profile.Profile, 0, len(ids))
	for _, id := range ids {
		if pr, ok := s.profiles[id]; ok {
			out = append(out, pr.Clone())
		}
	}
	return out, nil
}

// Online returns every profile flagged online, ordered by id.
func (p *Profiles) Online(_ context.Context) ([]*profile.Profile, error) {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*profile.Profile
	for _, pr := range s.profiles {
		if pr.IsOnline {
			out = append(out, pr.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// WaitingCount returns the waiting-room size.
func (p *Profiles) WaitingCount(_ context.Context) (int64, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return int64(len(p.s.waiting)), nil
}

// Sessions is the chat-session-store view of a Store.
type Sessions struct{ s *Store }

func claimable(pr *profile.Profile) bool {
	return pr != nil && pr.IsOnline && pr.IsLookingForMatch && !pr.IsMatched
}

// Claim creates the session and flips both participants to matched, or
// returns chat.ErrClaimConflict and changes nothing.
func (ss *Sessions) Claim(_ context.Context, sess *chat.Session) error {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()

	a, b := s.profiles[sess.Participants[0]], s.profiles[sess.Participants[1]]
	if !claimable(a) || !claimable(b) {
		return chat.ErrClaimConflict
	}
	if _, exists := s.sessions[sess.ID]; exists {
		return chat.ErrClaimConflict
	}

	stored := *sess
	stored.SharedInterests = append([]string(nil), sess.SharedInterests...)
	s.sessions[sess.ID] = &stored

	for _, pair := range [][2]*profile.Profile{{a, b}, {b, a}} {
		self, other := pair[0], pair[1]
		self.IsMatched = true
		self.IsLookingForMatch = false
		self.MatchedWith = other.ID
		self.CurrentChatRoom = sess.ID
		delete(s.waiting, self.ID)
	}
	return nil
}

// Get returns a copy of the session.
func (ss *Sessions) Get(_ context.Context, id string) (*chat.Session, error) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	c := *sess
	c.SharedInterests = append([]string(nil), sess.SharedInterests...)
	return &c, nil
}

// Append adds a message to the session log.
func (ss *Sessions) Append(_ context.Context, sessionID string, m chat.Message) error {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return chat.ErrNotFound
	}
	s.messages[sessionID] = append(s.messages[sessionID], m)
	return nil
}

// Messages returns a copy of the session log.
func (ss *Sessions) Messages(_ context.Context, sessionID string) ([]chat.Message, error) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message{}, s.messages[sessionID]...), nil
}

// Release resets participants still bound to the session and ends it once.
func (ss *Sessions) Release(_ context.Context, sess *chat.Session, reason string, at time.Time) (int, bool, error) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0
	for _, id := range sess.Participants {
		pr, ok := s.profiles[id]
		if ok && pr.CurrentChatRoom == sess.ID {
			pr.ClearMatch()
			reset++
		}
	}

	ended := false
	if stored, ok := s.sessions[sess.ID]; ok && stored.Status == chat.StatusActive {
		stored.Status = chat.StatusEnded
		stored.EndedAt = at
		stored.EndReason = reason
		ended = true
	}
	return reset, ended, nil
}

// Due returns active sessions whose expiry is at or before now, soonest first.
func (ss *Sessions) Due(_ context.Context, now time.Time) ([]string, error) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*chat.Session
	for _, sess := range s.sessions {
		if sess.Status == chat.StatusActive && sess.Expired(now) {
			due = append(due, sess)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })

	ids := make([]string, len(due))
	for i, sess := range due {
		ids[i] = sess.ID
	}
	return ids, nil
}

// ActiveCount returns the number of sessions not yet ended.
func (ss *Sessions) ActiveCount(_ context.Context) (int64, error) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.sessions {
		if sess.Status == chat.StatusActive {
			n++
		}
	}
	return n, nil
}
