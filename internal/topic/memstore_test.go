package topic

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convo/chat-app/internal/interest"
)

func TestMemStoreDrawsWithoutReplacementThenResets(t *testing.T) {
	store := NewMemStore([]Starter{
		{Interest: "Cars", Topic: "one"},
		{Interest: "Cars", Topic: "two"},
		{Interest: "Art", Topic: "three"},
	})
	d := NewDrawer(store, nil)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		got, err := d.Draw(ctx, []string{"Cars"})
		require.NoError(t, err)
		seen[got] = true
	}
	assert.Equal(t, map[string]bool{"one": true, "two": true}, seen)

	// Both Cars starters are used; the draw resets them and succeeds.
	got, err := d.Draw(ctx, []string{"Cars"})
	require.NoError(t, err)
	assert.Contains(t, []string{"one", "two"}, got)

	got, err = d.Draw(ctx, []string{"Art"})
	require.NoError(t, err)
	assert.Equal(t, "three", got)

	_, err = d.Draw(ctx, []string{"Movies"})
	assert.ErrorIs(t, err, ErrNoTopic)
}

func TestDefaultStartersMatchSeedMigration(t *testing.T) {
	seed, err := os.ReadFile("../db/migrations/000003_seed_topic_starters.up.sql")
	require.NoError(t, err)

	starters := DefaultStarters()
	require.NotEmpty(t, starters)
	for _, st := range starters {
		assert.True(t, interest.Valid(st.Interest), st.Interest)
		assert.Contains(t, string(seed), "'"+st.Topic+"'")
	}
}
