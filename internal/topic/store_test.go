package topic

import (
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convo/chat-app/internal/db"
)

func setupPG(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("skipping: TEST_DATABASE_URL not set")
	}
	conn, err := db.Open(ctx, url)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() {
		conn.Exec(`DELETE FROM topic_starters WHERE interest = 'Test'`)
		conn.Close()
	})
	return conn
}

func TestPGStoreDrawWithoutReplacement(t *testing.T) {
	conn := setupPG(t)
	s := NewPGStore(conn)
	require.NoError(t, s.Add(ctx, "Test", "first"))
	require.NoError(t, s.Add(ctx, "Test", "second"))
	require.NoError(t, s.Add(ctx, "Test", "second"), "duplicates ignored")

	d := NewDrawer(s, nil)
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		got, err := d.Draw(ctx, []string{"Test"})
		require.NoError(t, err)
		seen[got] = true
	}
	assert.Equal(t, map[string]bool{"first": true, "second": true}, seen)

	_, err := s.TakeUnused(ctx, []string{"Test"})
	assert.ErrorIs(t, err, ErrExhausted)

	got, err := d.Draw(ctx, []string{"Test"})
	require.NoError(t, err, "exhaustion triggers one reset")
	assert.Contains(t, []string{"first", "second"}, got)

	starters, err := s.List(ctx, "Test")
	require.NoError(t, err)
	require.Len(t, starters, 2)
	used := 0
	for _, st := range starters {
		if st.Used {
			used++
		}
	}
	assert.Equal(t, 1, used)
}
