// Package history provides PostgreSQL-backed storage for ended chat
// sessions. Each archived session keeps its participants, shared interests,
// end reason and the full message log.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/convo/chat-app/internal/chat"
)

// ErrNotFound is returned when no archived session has the given id.
var ErrNotFound = errors.New("history: session not found")

// Store archives ended sessions in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Transcript is an archived session with its messages in send order.
type Transcript struct {
	Session  chat.Session   `json:"session"`
	Messages []chat.Message `json:"messages"`
}

// NewStore creates a new history store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Archive implements chat.Archiver. The session row and its messages are
// written in one transaction; archiving the same session twice is a no-op.
func (s *Store) Archive(ctx context.Context, sess *chat.Session, msgs []chat.Message) error {
	if sess.Status != chat.StatusEnded {
		return fmt.Errorf("history: session %s is still %s", sess.ID, sess.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	const insertSession = `
		INSERT INTO chat_sessions (id, user_a, user_b, shared_interests, created_at, expires_at, ended_at, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	res, err := tx.ExecContext(ctx, insertSession,
		sess.ID,
		sess.Participants[0],
		sess.Participants[1],
		pq.Array(sess.SharedInterests),
		sess.CreatedAt,
		sess.ExpiresAt,
		sess.EndedAt,
		sess.EndReason,
	)
	if err != nil {
		return fmt.Errorf("history: insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if len(msgs) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chat_messages (id, session_id, seq, author_id, body, sent_at)
			VALUES ($1, $2, $3, $4, $5, $6)`)
		if err != nil {
			return fmt.Errorf("history: prepare messages: %w", err)
		}
		defer stmt.Close()

		for i, m := range msgs {
			if _, err := stmt.ExecContext(ctx, m.ID, sess.ID, i, m.AuthorID, m.Text, m.SentAt); err != nil {
				return fmt.Errorf("history: insert message %d: %w", i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

// Transcript loads an archived session and its messages.
func (s *Store) Transcript(ctx context.Context, id string) (*Transcript, error) {
	const sessionQuery = `
		SELECT id, user_a, user_b, shared_interests, created_at, expires_at, ended_at, end_reason
		FROM chat_sessions
		WHERE id = $1`

	var t Transcript
	sess := &t.Session
	err := s.db.QueryRowContext(ctx, sessionQuery, id).Scan(
		&sess.ID,
		&sess.Participants[0],
		&sess.Participants[1],
		pq.Array(&sess.SharedInterests),
		&sess.CreatedAt,
		&sess.ExpiresAt,
		&sess.EndedAt,
		&sess.EndReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: load session: %w", err)
	}
	sess.Status = chat.StatusEnded

	const messageQuery = `
		SELECT id, author_id, body, sent_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, messageQuery, id)
	if err != nil {
		return nil, fmt.Errorf("history: load messages: %w", err)
	}
	defer rows.Close()

	t.Messages = []chat.Message{}
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.Text, &m.SentAt); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		t.Messages = append(t.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: load messages: %w", err)
	}
	return &t, nil
}
