package matching_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convo/chat-app/internal/interest"
	"github.com/convo/chat-app/internal/matching"
)

func TestEstimate(t *testing.T) {
	f := newFixture(t, matching.DefaultMatcherConfig())
	f.user(t, "alice", "Cars", "Tech", "Animals")
	f.user(t, "bob", "Cars", "Games", "Books")     // online, not searching
	f.user(t, "carol", "Animals", "Art", "Movies") // online
	f.user(t, "dave", "Sports", "Travel", "Books") // no overlap
	f.user(t, "erin", "Tech", "Travel", "Cooking") // goes offline
	require.NoError(t, f.profiles.SetOnline(f.ctx, "erin", false))

	n, err := f.estimator.Estimate(f.ctx, "alice", []string{"Cars", "Tech", "Animals"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.estimator.EstimateSaved(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Unsaved selection is estimated as given.
	n, err = f.estimator.Estimate(f.ctx, "alice", []string{"Books"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEstimate_NeverCountsRequester(t *testing.T) {
	f := newFixture(t, matching.DefaultMatcherConfig())
	f.user(t, "alice", "Cars", "Tech", "Animals")

	n, err := f.estimator.Estimate(f.ctx, "alice", []string{"Cars"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEstimate_EmptyInterests(t *testing.T) {
	f := newFixture(t, matching.DefaultMatcherConfig())
	f.user(t, "alice")
	f.user(t, "bob", "Cars", "Games", "Books")

	n, err := f.estimator.Estimate(f.ctx, "alice", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.estimator.EstimateSaved(f.ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEstimate_ExcludesMatchedUsers(t *testing.T) {
	f := newFixture(t, matching.DefaultMatcherConfig())
	f.user(t, "alice", "Cars", "Tech", "Animals")
	f.user(t, "bob", "Cars", "Games", "Books")
	f.user(t, "carol", "Cars", "Art", "Movies")
	f.request(t, "bob")
	require.Equal(t, matching.StatusMatched, f.request(t, "carol").Status)

	n, err := f.estimator.EstimateSaved(f.ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEstimate_IsReadOnly(t *testing.T) {
	f := newFixture(t, matching.DefaultMatcherConfig())
	f.user(t, "alice", "Cars", "Tech", "Animals")
	f.user(t, "bob", "Cars", "Games", "Books")
	before := f.profile(t, "alice")

	_, err := f.estimator.EstimateSaved(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before, f.profile(t, "alice"))
}

func TestEstimate_RejectsUnknownInterest(t *testing.T) {
	f := newFixture(t, matching.DefaultMatcherConfig())
	_, err := f.estimator.Estimate(f.ctx, "alice", []string{"Knitting"})
	assert.ErrorIs(t, err, interest.ErrUnknownInterest)
}
