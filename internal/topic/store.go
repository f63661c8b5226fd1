package topic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PGStore keeps starters in the topic_starters table.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a starter store backed by the given database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// TakeUnused implements Store. Concurrent draws never receive the same row.
func (s *PGStore) TakeUnused(ctx context.Context, interests []string) (string, error) {
	const query = `
		UPDATE topic_starters SET used = TRUE
		WHERE id = (
			SELECT id FROM topic_starters
			WHERE interest = ANY($1) AND NOT used
			ORDER BY random()
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING topic`

	var t string
	err := s.db.QueryRowContext(ctx, query, pq.Array(interests)).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrExhausted
	}
	if err != nil {
		return "", fmt.Errorf("topic: take unused: %w", err)
	}
	return t, nil
}

// ResetUsed implements Store.
func (s *PGStore) ResetUsed(ctx context.Context, interests []string) error {
	const query = `UPDATE topic_starters SET used = FALSE WHERE interest = ANY($1) AND used`

	if _, err := s.db.ExecContext(ctx, query, pq.Array(interests)); err != nil {
		return fmt.Errorf("topic: reset used: %w", err)
	}
	return nil
}

// Add inserts a starter. Duplicates of an existing interest/topic pair are
// ignored.
func (s *PGStore) Add(ctx context.Context, interest, topic string) error {
	const query = `
		INSERT INTO topic_starters (interest, topic) VALUES ($1, $2)
		ON CONFLICT (interest, topic) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, interest, topic); err != nil {
		return fmt.Errorf("topic: add: %w", err)
	}
	return nil
}

// List returns the starters for one interest.
func (s *PGStore) List(ctx context.Context, interest string) ([]Starter, error) {
	const query = `
		SELECT id, interest, topic, used
		FROM topic_starters
		WHERE interest = $1
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, interest)
	if err != nil {
		return nil, fmt.Errorf("topic: list: %w", err)
	}
	defer rows.Close()

	var out []Starter
	for rows.Next() {
		var st Starter
		if err := rows.Scan(&st.ID, &st.Interest, &st.Topic, &st.Used); err != nil {
			return nil, fmt.Errorf("topic: scan: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
