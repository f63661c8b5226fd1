package matching_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/matching"
	"github.com/convo/chat-app/internal/memstore"
	"github.com/convo/chat-app/internal/profile"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctx       context.Context
	clock     *clock
	store     *memstore.Store
	profiles  *memstore.Profiles
	sessions  *memstore.Sessions
	lifecycle *chat.Lifecycle
	matcher   *matching.Matcher
	estimator *matching.Estimator
}

func newFixture(t *testing.T, cfg matching.MatcherConfig) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		clock: &clock{t: t0},
		store: memstore.New(),
	}
	f.store.SetClock(f.clock.Now)
	f.profiles = f.store.Profiles()
	f.sessions = f.store.Sessions()
	f.lifecycle = chat.NewLifecycle(f.sessions, nil, nil, nil)
	f.lifecycle.SetClock(f.clock.Now)
	f.matcher = matching.NewMatcher(f.profiles, f.sessions, f.lifecycle, nil, cfg, nil)
	f.matcher.SetClock(f.clock.Now)
	f.estimator = matching.NewEstimator(f.profiles)
	return f
}

// user registers id online with the given saved interests.
func (f *fixture) user(t *testing.T, id string, interests ...string) {
	t.Helper()
	require.NoError(t, f.profiles.Create(f.ctx, id))
	require.NoError(t, f.profiles.SaveInterests(f.ctx, id, interests))
	require.NoError(t, f.profiles.SetOnline(f.ctx, id, true))
}

func (f *fixture) profile(t *testing.T, id string) *profile.Profile {
	t.Helper()
	p, err := f.profiles.Get(f.ctx, id)
	require.NoError(t, err)
	return p
}

func (f *fixture) request(t *testing.T, id string) *matching.Outcome {
	t.Helper()
	p := f.profile(t, id)
	out, err := f.matcher.RequestMatch(f.ctx, id, p.Interests)
	require.NoError(t, err)
	return out
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) MatchFound(ctx context.Context, s *chat.Session, topic string) error {
	return m.Called(s, topic).Error(0)
}

func (m *mockNotifier) PoolChanged(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockNotifier) SearchExpired(ctx context.Context, userID string) error {
	return m.Called(userID).Error(0)
}

type mockTopics struct {
	mock.Mock
}

func (m *mockTopics) Draw(ctx context.Context, interests []string) (string, error) {
	args := m.Called(interests)
	return args.String(0), args.Error(1)
}

// racingSessions runs hook before the first Claim, then reports a conflict
// for that claim.
type racingSessions struct {
	*memstore.Sessions
	once sync.Once
	hook func()
}

func (r *racingSessions) Claim(ctx context.Context, s *chat.Session) error {
	raced := false
	r.once.Do(func() {
		if r.hook != nil {
			r.hook()
		}
		raced = true
	})
	if raced {
		return chat.ErrClaimConflict
	}
	return r.Sessions.Claim(ctx, s)
}

// racingProfiles runs hook once, right after the first Get or Waiting read
// has been taken, so the caller acts on a snapshot that is already stale.
type racingProfiles struct {
	*memstore.Profiles
	once sync.Once
	hook func()
}

func (r *racingProfiles) afterRead() {
	r.once.Do(func() {
		if r.hook != nil {
			r.hook()
		}
	})
}

func (r *racingProfiles) Get(ctx context.Context, id string) (*profile.Profile, error) {
	p, err := r.Profiles.Get(ctx, id)
	r.afterRead()
	return p, err
}

func (r *racingProfiles) Waiting(ctx context.Context) ([]*profile.Profile, error) {
	w, err := r.Profiles.Waiting(ctx)
	r.afterRead()
	return w, err
}
