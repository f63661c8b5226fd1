package matching

import (
	"context"

	"github.com/convo/chat-app/internal/interest"
)

// Estimator counts users who could be matched with a requester right now.
// It never writes.
type Estimator struct {
	profiles ProfileStore
}

// NewEstimator creates an Estimator.
func NewEstimator(profiles ProfileStore) *Estimator {
	return &Estimator{profiles: profiles}
}

// Estimate counts online, unmatched users other than requesterID who share at
// least one of interests. Whether they are actively searching is ignored.
func (e *Estimator) Estimate(ctx context.Context, requesterID string, interests []string) (int, error) {
	selection, err := interest.Normalize(interests)
	if err != nil {
		return 0, err
	}
	if len(selection) == 0 {
		return 0, nil
	}

	online, err := e.profiles.Online(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, p := range online {
		if p.Eligible(requesterID) && interest.Overlaps(selection, p.Interests) {
			n++
		}
	}
	return n, nil
}

// EstimateSaved runs Estimate against requesterID's saved interests.
func (e *Estimator) EstimateSaved(ctx context.Context, requesterID string) (int, error) {
	me, err := e.profiles.Get(ctx, requesterID)
	if err != nil {
		return 0, err
	}
	return e.Estimate(ctx, requesterID, me.Interests)
}
