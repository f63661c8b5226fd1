package matching

import (
	"fmt"

	"github.com/convo/chat-app/internal/interest"
	"github.com/convo/chat-app/internal/profile"
)

// Policy picks a partner from waiting-room candidates, which arrive oldest
// search first. It returns nil when nobody shares an interest.
type Policy interface {
	Select(selection []string, candidates []*profile.Profile) (*profile.Profile, []string)
}

// FirstMatch takes the first candidate sharing at least one interest.
type FirstMatch struct{}

// Select implements Policy.
func (FirstMatch) Select(selection []string, candidates []*profile.Profile) (*profile.Profile, []string) {
	for _, c := range candidates {
		if shared := interest.Shared(selection, c.Interests); len(shared) > 0 {
			return c, shared
		}
	}
	return nil, nil
}

// BestOverlap takes the candidate with the most shared interests. Ties go to
// whoever has waited longest.
type BestOverlap struct{}

// Select implements Policy.
func (BestOverlap) Select(selection []string, candidates []*profile.Profile) (*profile.Profile, []string) {
	var (
		best       *profile.Profile
		bestShared []string
	)
	for _, c := range candidates {
		shared := interest.Shared(selection, c.Interests)
		if len(shared) > len(bestShared) {
			best, bestShared = c, shared
			if len(shared) == len(selection) {
				break
			}
		}
	}
	return best, bestShared
}

// PolicyByName resolves the MATCH_POLICY setting.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "first":
		return FirstMatch{}, nil
	case "best", "overlap":
		return BestOverlap{}, nil
	}
	return nil, fmt.Errorf("matching: unknown policy %q", name)
}
