package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convo/chat-app/internal/profile"
)

func candidates() []*profile.Profile {
	return []*profile.Profile{
		{ID: "oldest", Interests: []string{"Cars", "Art", "Books"}},
		{ID: "middle", Interests: []string{"Cars", "Tech", "Books"}},
		{ID: "newest", Interests: []string{"Cars", "Tech", "Books"}},
	}
}

func TestFirstMatch(t *testing.T) {
	p, shared := FirstMatch{}.Select([]string{"Tech", "Cars", "Games"}, candidates())
	require.NotNil(t, p)
	assert.Equal(t, "oldest", p.ID)
	assert.Equal(t, []string{"Cars"}, shared)

	p, shared = FirstMatch{}.Select([]string{"Movies"}, candidates())
	assert.Nil(t, p)
	assert.Nil(t, shared)
}

func TestBestOverlap(t *testing.T) {
	p, shared := BestOverlap{}.Select([]string{"Tech", "Cars", "Games"}, candidates())
	require.NotNil(t, p)
	assert.Equal(t, "middle", p.ID, "ties go to the longest wait")
	assert.Equal(t, []string{"Tech", "Cars"}, shared)

	p, _ = BestOverlap{}.Select([]string{"Movies"}, candidates())
	assert.Nil(t, p)
}

func TestPolicyByName(t *testing.T) {
	for name, want := range map[string]Policy{"": FirstMatch{}, "first": FirstMatch{}, "best": BestOverlap{}, "overlap": BestOverlap{}} {
		got, err := PolicyByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := PolicyByName("random")
	assert.Error(t, err)
}
