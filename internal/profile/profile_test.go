package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPredicates(t *testing.T) {
	p := New("alice", time.Now())
	assert.Equal(t, []string{}, p.Interests)
	assert.False(t, p.Eligible("bob"), "offline")

	p.IsOnline = true
	assert.True(t, p.Eligible("bob"))
	assert.False(t, p.Eligible("alice"), "never your own candidate")
	assert.False(t, p.Searching("bob"), "not looking")

	p.IsLookingForMatch = true
	assert.True(t, p.Searching("bob"))

	p.IsMatched = true
	assert.False(t, p.Eligible("bob"))
	assert.False(t, p.Searching("bob"))
}

func TestInterestsChanged(t *testing.T) {
	p := &Profile{Interests: []string{"Cars", "Tech", "Art"}}
	assert.False(t, p.InterestsChanged([]string{"Art", "Cars", "Tech"}))
	assert.True(t, p.InterestsChanged([]string{"Art", "Cars", "Books"}))
	assert.True(t, p.InterestsChanged([]string{"Art", "Cars"}))
}

func TestClearMatchAndClone(t *testing.T) {
	p := &Profile{
		ID:                "alice",
		Interests:         []string{"Cars"},
		IsLookingForMatch: true,
		IsMatched:         true,
		MatchedWith:       "bob",
		CurrentChatRoom:   "room",
	}
	c := p.Clone()
	c.Interests[0] = "Tech"
	assert.Equal(t, "Cars", p.Interests[0])

	p.ClearMatch()
	assert.False(t, p.IsMatched)
	assert.False(t, p.IsLookingForMatch)
	assert.Empty(t, p.MatchedWith)
	assert.Empty(t, p.CurrentChatRoom)
	assert.True(t, c.IsMatched)
}
