package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewSession(t *testing.T) {
	s, err := NewSession("alice", "bob", []string{"Cars"}, start)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, start.Add(5*time.Minute), s.ExpiresAt)
	assert.Equal(t, "bob", s.Partner("alice"))
	assert.Equal(t, "alice", s.Partner("bob"))
	assert.Equal(t, "", s.Partner("carol"))
	assert.True(t, s.IsParticipant("alice"))
	assert.False(t, s.IsParticipant(""))

	other, err := NewSession("alice", "bob", nil, start)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, other.ID)
}

func TestNewSessionRejectsSelfPairing(t *testing.T) {
	_, err := NewSession("alice", "alice", nil, start)
	assert.ErrorIs(t, err, ErrSelfSession)
	_, err = NewSession("", "bob", nil, start)
	assert.ErrorIs(t, err, ErrSelfSession)
}

func TestSessionExpiry(t *testing.T) {
	s, err := NewSession("alice", "bob", nil, start)
	require.NoError(t, err)

	assert.False(t, s.Expired(start.Add(299*time.Second)))
	assert.True(t, s.Active(start.Add(299*time.Second)))
	assert.Equal(t, time.Second, s.Remaining(start.Add(299*time.Second)))

	assert.True(t, s.Expired(start.Add(300*time.Second)))
	assert.False(t, s.Active(start.Add(300*time.Second)))
	assert.Zero(t, s.Remaining(start.Add(time.Hour)))

	s.Status = StatusEnded
	assert.False(t, s.Active(start))
}

func TestValidateMessage(t *testing.T) {
	assert.NoError(t, ValidateMessage("hi there"))
	assert.NoError(t, ValidateMessage(strings.Repeat("é", MaxTextChars)))

	assert.ErrorIs(t, ValidateMessage(""), ErrEmptyMessage)
	assert.ErrorIs(t, ValidateMessage(" \t\n "), ErrEmptyMessage)
	assert.ErrorIs(t, ValidateMessage("bad \xff byte"), ErrInvalidMessage)
	assert.ErrorIs(t, ValidateMessage(strings.Repeat("a", MaxTextChars+1)), ErrInvalidMessage)
	assert.ErrorIs(t, ValidateMessage(strings.Repeat("日", 1400)), ErrInvalidMessage)
}
