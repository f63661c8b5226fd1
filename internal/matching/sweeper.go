package matching

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/metrics"
	"github.com/convo/chat-app/internal/profile"
)

const (
	DefaultSweepInterval    = 5 * time.Second
	DefaultStaleSearchAfter = 2 * time.Minute
)

// waitingCounter and activeCounter are implemented by stores that can report
// gauge values cheaply.
type waitingCounter interface {
	WaitingCount(ctx context.Context) (int64, error)
}

type activeCounter interface {
	ActiveCount(ctx context.Context) (int64, error)
}

// SweepStats summarises one sweep pass.
type SweepStats struct {
	StoppedSearches int
	EndedSessions   int
}

// Sweeper reconciles state clients left behind: searches whose user went
// offline or idle, and sessions past their expiry.
type Sweeper struct {
	profiles   ProfileStore
	sessions   SessionStore
	ender      SessionEnder
	notifier   Notifier
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewSweeper creates a Sweeper. Zero durations take the defaults.
func NewSweeper(profiles ProfileStore, sessions SessionStore, ender SessionEnder, notifier Notifier, interval, staleAfter time.Duration, logger *zap.Logger) *Sweeper {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleSearchAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		profiles:   profiles,
		sessions:   sessions,
		ender:      ender,
		notifier:   notifier,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.Named("sweeper"),
	}
}

// SetClock replaces the time source.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep loop stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Failures on individual entries are logged and the
// pass continues.
func (s *Sweeper) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	now := s.now()

	stats.StoppedSearches = s.stopStaleSearches(ctx, now)
	stats.EndedSessions = s.endDueSessions(ctx, now)
	s.updateGauges(ctx)

	if stats.StoppedSearches > 0 || stats.EndedSessions > 0 {
		s.logger.Info("sweep",
			zap.Int("stopped_searches", stats.StoppedSearches),
			zap.Int("ended_sessions", stats.EndedSessions),
		)
	}
	return stats
}

func (s *Sweeper) stopStaleSearches(ctx context.Context, now time.Time) int {
	waiting, err := s.profiles.Waiting(ctx)
	if err != nil {
		s.logger.Warn("list waiting room", zap.Error(err))
		return 0
	}

	stopped := 0
	for _, p := range waiting {
		if p.IsMatched {
			continue
		}
		idle := now.Sub(p.LastMatchAttempt) >= s.staleAfter
		if p.IsOnline && p.IsLookingForMatch && !idle {
			continue
		}
		err := s.profiles.StopSearch(ctx, p.ID, "")
		if errors.Is(err, profile.ErrInSession) {
			// Claimed since the snapshot.
			continue
		}
		if err != nil {
			s.logger.Warn("stop stale search", zap.String("user_id", p.ID), zap.Error(err))
			continue
		}
		stopped++
		metrics.StaleSearches.Inc()
		if p.IsOnline {
			if err := s.notifier.SearchExpired(ctx, p.ID); err != nil {
				s.logger.Warn("search expiry notification failed", zap.String("user_id", p.ID), zap.Error(err))
			}
		}
	}
	if stopped > 0 {
		if err := s.notifier.PoolChanged(ctx); err != nil {
			s.logger.Warn("pool change notification failed", zap.Error(err))
		}
	}
	return stopped
}

func (s *Sweeper) endDueSessions(ctx context.Context, now time.Time) int {
	ids, err := s.sessions.Due(ctx, now)
	if err != nil {
		s.logger.Warn("list due sessions", zap.Error(err))
		return 0
	}

	ended := 0
	for _, id := range ids {
		if err := s.ender.End(ctx, id, chat.ReasonExpired); err != nil {
			s.logger.Warn("end expired session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		ended++
	}
	return ended
}

func (s *Sweeper) updateGauges(ctx context.Context) {
	if wc, ok := s.profiles.(waitingCounter); ok {
		if n, err := wc.WaitingCount(ctx); err == nil {
			metrics.WaitingRoomSize.Set(float64(n))
		}
	}
	if ac, ok := s.sessions.(activeCounter); ok {
		if n, err := ac.ActiveCount(ctx); err == nil {
			metrics.ActiveChats.Set(float64(n))
		}
	}
}
