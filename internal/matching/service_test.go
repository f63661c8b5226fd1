package matching_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/matching"
	"github.com/convo/chat-app/internal/messaging"
	"github.com/convo/chat-app/internal/profile"
)

// loopback routes requests straight to registered responders.
type loopback struct {
	mu       sync.Mutex
	handlers map[string]func([]byte) []byte
}

func (l *loopback) Respond(subject string, h func([]byte) []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = make(map[string]func([]byte) []byte)
	}
	l.handlers[subject] = h
	return nil
}

func (l *loopback) Request(_ context.Context, subject string, data []byte) ([]byte, error) {
	l.mu.Lock()
	h, ok := l.handlers[subject]
	l.mu.Unlock()
	if !ok {
		return nil, errors.New("no responders")
	}
	return h(data), nil
}

type recorder struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func (r *recorder) Publish(subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][][]byte)
	}
	r.sent[subject] = append(r.sent[subject], data)
	return nil
}

func (r *recorder) results(t *testing.T, userID string) []matching.MatchResult {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []matching.MatchResult
	for _, raw := range r.sent[messaging.MatchFoundSubject(userID)] {
		var res matching.MatchResult
		require.NoError(t, json.Unmarshal(raw, &res))
		out = append(out, res)
	}
	return out
}

func TestServiceRoundTrip(t *testing.T) {
	f := newFixture(t, matching.DefaultMatcherConfig())
	bus := &loopback{}
	pub := &recorder{}
	m := matching.NewMatcher(f.profiles, f.sessions, f.lifecycle, matching.NewNATSNotifier(pub), matching.DefaultMatcherConfig(), nil)
	m.SetClock(f.clock.Now)

	svc := matching.NewService(bus, m, f.estimator, nil, nil)
	require.NoError(t, svc.Start())
	defer svc.Stop()
	client := matching.NewClient(bus)

	f.user(t, "alice", "Cars", "Tech", "Animals")
	f.user(t, "bob", "Animals", "Games", "Books")

	n, err := client.EstimateSaved(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = client.Estimate(f.ctx, "alice", []string{"Art"})
	require.NoError(t, err)
	assert.Zero(t, n)

	out, err := client.RequestMatch(f.ctx, "alice", []string{"Cars", "Tech", "Animals"})
	require.NoError(t, err)
	assert.Equal(t, matching.StatusWaiting, out.Status)

	out, err = client.RequestMatch(f.ctx, "bob", []string{"Animals", "Games", "Books"})
	require.NoError(t, err)
	require.Equal(t, matching.StatusMatched, out.Status)
	assert.Equal(t, "alice", out.PartnerID)

	for user, partner := range map[string]string{"alice": "bob", "bob": "alice"} {
		res := pub.results(t, user)
		require.Len(t, res, 1, user)
		assert.Equal(t, out.ChatRoomID, res[0].ChatID)
		assert.Equal(t, partner, res[0].PartnerID)
		assert.Equal(t, []string{"Animals"}, res[0].SharedInterests)
	}
	assert.NotEmpty(t, pub.sent[messaging.SubjectPoolChanged])

	require.NoError(t, client.CancelSearch(f.ctx, "bob"))
	s, err := f.sessions.Get(f.ctx, out.ChatRoomID)
	require.NoError(t, err)
	assert.Equal(t, chat.ReasonCancelled, s.EndReason)
}

func TestServiceErrorsKeepTheirIdentity(t *testing.T) {
	f := newFixture(t, matching.DefaultMatcherConfig())
	bus := &loopback{}
	svc := matching.NewService(bus, f.matcher, f.estimator, nil, nil)
	require.NoError(t, svc.Start())
	defer svc.Stop()
	client := matching.NewClient(bus)

	f.user(t, "alice", "Cars", "Tech", "Animals")

	_, err := client.RequestMatch(f.ctx, "alice", []string{"Cars"})
	assert.ErrorIs(t, err, matching.ErrInterestCount)

	_, err = client.RequestMatch(f.ctx, "alice", []string{"Cars", "Tech", "Art"})
	assert.ErrorIs(t, err, matching.ErrUnsavedInterests)

	err = client.CancelSearch(f.ctx, "ghost")
	assert.ErrorIs(t, err, profile.ErrNotFound)

	_, err = client.RequestMatch(f.ctx, "", nil)
	assert.ErrorIs(t, err, matching.ErrInvalidRequest)
}

func TestClientUnavailable(t *testing.T) {
	client := matching.NewClient(&loopback{})
	_, err := client.RequestMatch(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, matching.ErrUnavailable)
	assert.Equal(t, matching.CodeUnavailable, matching.ErrorCode(err))
}

func TestNATSNotifierSearchExpired(t *testing.T) {
	pub := &recorder{}
	n := matching.NewNATSNotifier(pub)
	require.NoError(t, n.SearchExpired(context.Background(), "alice"))

	res := pub.results(t, "alice")
	require.Len(t, res, 1)
	assert.True(t, res[0].Timeout)
}
