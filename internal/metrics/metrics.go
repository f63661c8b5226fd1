// Package metrics provides Prometheus instrumentation for Convo: pool and
// session gauges, match and message counters, and the time-to-match histogram.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convo_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MatchRequests counts match requests by outcome.
	MatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convo_match_requests_total",
		Help: "Match requests by outcome",
	}, []string{"outcome"}) // outcome = "matched", "waiting", "rejected", "error"

	// ClaimConflicts counts claims lost to a concurrent matcher.
	ClaimConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "convo_claim_conflicts_total",
		Help: "Session claims that lost a race and were retried",
	})

	// MatchDuration records the time a requester spent in the waiting room.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "convo_match_duration_seconds",
		Help:    "Time from entering the waiting room to match found",
		Buckets: []float64{.05, .25, 1, 5, 15, 30, 60, 120},
	})

	// WaitingRoomSize tracks the current number of searching users.
	WaitingRoomSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convo_waiting_room_size",
		Help: "Current number of users in the waiting room",
	})

	// ActiveChats tracks the current number of active chat sessions.
	ActiveChats = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convo_active_chats",
		Help: "Current number of active chat sessions",
	})

	// SessionsEnded counts sessions moved to ended, labeled by reason.
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convo_sessions_ended_total",
		Help: "Chat sessions ended",
	}, []string{"reason"}) // reason = "expired", "cancelled"

	// ProfilesReset counts participant resets performed on session end.
	ProfilesReset = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "convo_profiles_reset_total",
		Help: "Profiles returned to unmatched after a session ended",
	})

	// MessagesTotal counts chat messages, labeled by type: "sent" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convo_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// StaleSearches counts searches stopped by the sweeper.
	StaleSearches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "convo_stale_searches_total",
		Help: "Searches stopped because the user went offline or idle",
	})

	// TopicDraws counts topic starter draws by result.
	TopicDraws = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convo_topic_draws_total",
		Help: "Topic starter draws",
	}, []string{"result"}) // result = "drawn", "reset", "none"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MatchRequests,
		ClaimConflicts,
		MatchDuration,
		WaitingRoomSize,
		ActiveChats,
		SessionsEnded,
		ProfilesReset,
		MessagesTotal,
		StaleSearches,
		TopicDraws,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
