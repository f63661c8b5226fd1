package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/db"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("skipping: TEST_DATABASE_URL not set")
	}
	conn, err := db.Open(context.Background(), url)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { conn.Close() })
	return NewStore(conn)
}

func endedSession(t *testing.T) *chat.Session {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	s, err := chat.NewSession("user-a", "user-b", []string{"Cars", "Tech", "Art"}, now)
	require.NoError(t, err)
	s.Status = chat.StatusEnded
	s.EndedAt = now.Add(time.Minute)
	s.EndReason = chat.ReasonCancelled
	return s
}

func TestArchiveRejectsActiveSession(t *testing.T) {
	s, err := chat.NewSession("a", "b", nil, time.Now())
	require.NoError(t, err)

	// No database needed; the status check comes first.
	err = (&Store{}).Archive(context.Background(), s, nil)
	assert.Error(t, err)
}

func TestArchiveAndTranscript(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	sess := endedSession(t)

	msgs := []chat.Message{
		{ID: uuid.NewString(), AuthorID: "user-a", Text: "hi", SentAt: sess.CreatedAt.Add(time.Second)},
		{ID: uuid.NewString(), AuthorID: "user-b", Text: "hello", SentAt: sess.CreatedAt.Add(2 * time.Second)},
	}
	require.NoError(t, store.Archive(ctx, sess, msgs))
	require.NoError(t, store.Archive(ctx, sess, msgs), "archiving twice is a no-op")

	tr, err := store.Transcript(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, tr.Session.ID)
	assert.Equal(t, sess.Participants, tr.Session.Participants)
	assert.Equal(t, sess.SharedInterests, tr.Session.SharedInterests)
	assert.Equal(t, chat.StatusEnded, tr.Session.Status)
	assert.Equal(t, chat.ReasonCancelled, tr.Session.EndReason)
	require.Len(t, tr.Messages, 2)
	assert.Equal(t, "hi", tr.Messages[0].Text)
	assert.Equal(t, "hello", tr.Messages[1].Text)
}

func TestTranscriptNotFound(t *testing.T) {
	store := setupStore(t)
	_, err := store.Transcript(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}
