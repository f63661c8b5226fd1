// Package gateway is the client-facing side of the WebSocket server: it
// turns client frames into profile, matching and chat operations and relays
// match and chat events back to the connected users.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/matching"
	"github.com/convo/chat-app/internal/profile"
	"github.com/convo/chat-app/internal/protocol"
	"github.com/convo/chat-app/internal/ratelimit"
)

const opTimeout = 5 * time.Second

// DefaultPoolDebounce collapses bursts of pool.changed into one estimate
// refresh.
const DefaultPoolDebounce = 500 * time.Millisecond

// Matchmaker runs match requests. *matching.Client and an in-process adapter
// over *matching.Matcher both satisfy it.
type Matchmaker interface {
	RequestMatch(ctx context.Context, userID string, interests []string) (*matching.Outcome, error)
	CancelSearch(ctx context.Context, userID string) error
	Estimate(ctx context.Context, userID string, interests []string) (int, error)
	EstimateSaved(ctx context.Context, userID string) (int, error)
}

// Profiles is the profile store subset the gateway needs.
type Profiles interface {
	Create(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*profile.Profile, error)
	SaveInterests(ctx context.Context, id string, interests []string) error
	SetOnline(ctx context.Context, id string, online bool) error
}

// Chats is the session lifecycle subset the gateway needs. *chat.Lifecycle
// satisfies it.
type Chats interface {
	Session(ctx context.Context, id string) (*chat.Session, error)
	AppendMessage(ctx context.Context, sessionID, authorID, text string) (*chat.Message, error)
	End(ctx context.Context, sessionID, reason string) error
	DrawTopic(ctx context.Context, sessionID, userID string) (string, error)
}

// Events delivers match and chat notifications. *messaging.NATSClient
// satisfies it.
type Events interface {
	SubscribeMatchFound(userID string, handler func(data []byte)) error
	UnsubscribeMatchFound(userID string) error
	SubscribeToChat(sessionID, key string, handler func(data []byte)) error
	UnsubscribeFromChat(key string) error
	SubscribePoolChanged(handler func(data []byte)) error
}

// Sender writes a frame to whichever connection userID currently holds.
type Sender interface {
	SendToUser(userID string, data []byte) error
}

// Gateway wires client frames to the backend.
type Gateway struct {
	profiles   Profiles
	matchmaker Matchmaker
	chats      Chats
	events     Events
	limiter    ratelimit.Allower
	sender     Sender
	dispatcher *Dispatcher
	logger     *zap.Logger

	mu        sync.Mutex
	rooms     map[string]string   // user id -> followed session id
	online    map[string]struct{} // users connected here
	estimates map[string]int      // last estimate pushed per user
}

// New creates a Gateway. limiter may be nil to disable rate limiting.
func New(profiles Profiles, mm Matchmaker, chats Chats, events Events, limiter ratelimit.Allower, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		profiles:   profiles,
		matchmaker: mm,
		chats:      chats,
		events:     events,
		limiter:    limiter,
		logger:     logger.Named("gateway"),
		rooms:      make(map[string]string),
		online:     make(map[string]struct{}),
		estimates:  make(map[string]int),
	}
	g.dispatcher = NewDispatcher(g.logger)
	g.dispatcher.Register(protocol.TypeSetInterests, g.handleSetInterests)
	g.dispatcher.Register(protocol.TypeFindMatch, g.handleFindMatch)
	g.dispatcher.Register(protocol.TypeCancelMatch, g.handleCancelMatch)
	g.dispatcher.Register(protocol.TypeEstimate, g.handleEstimate)
	g.dispatcher.Register(protocol.TypeMessage, g.handleMessage)
	g.dispatcher.Register(protocol.TypeEndChat, g.handleEndChat)
	g.dispatcher.Register(protocol.TypeDrawTopic, g.handleDrawTopic)
	return g
}

// SetSender attaches the transport. The server is built after the gateway
// because it needs the gateway's callbacks.
func (g *Gateway) SetSender(s Sender) {
	g.sender = s
}

// Dispatch handles one client frame.
func (g *Gateway) Dispatch(p Peer, data []byte) {
	g.dispatcher.Dispatch(p, data)
}

// Connect registers the user's presence and starts relaying their
// notifications. A user reconnecting mid-chat resumes following the session.
func (g *Gateway) Connect(p Peer) error {
	userID := p.User()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := g.profiles.Create(ctx, userID); err != nil {
		return err
	}
	if err := g.profiles.SetOnline(ctx, userID, true); err != nil {
		return err
	}
	if err := g.events.SubscribeMatchFound(userID, func(data []byte) { g.onMatchFound(userID, data) }); err != nil {
		return err
	}

	g.mu.Lock()
	g.online[userID] = struct{}{}
	g.mu.Unlock()

	send(p, protocol.TypeConnected, protocol.ConnectedMsg{UserID: userID})

	pr, err := g.profiles.Get(ctx, userID)
	if err != nil {
		return err
	}
	if pr.IsMatched {
		if s, err := g.chats.Session(ctx, pr.CurrentChatRoom); err == nil && s.Status == chat.StatusActive {
			if g.follow(userID, s.ID) {
				send(p, protocol.TypeMatchFound, protocol.MatchFoundMsg{
					ChatID:          s.ID,
					PartnerID:       s.Partner(userID),
					SharedInterests: s.SharedInterests,
					ExpiresAt:       s.ExpiresAt,
				})
			}
		}
	}
	g.logger.Info("connected", zap.String("user_id", userID))
	return nil
}

// Disconnect stops relaying, abandons any search or chat, and marks the
// user offline.
func (g *Gateway) Disconnect(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_ = g.events.UnsubscribeMatchFound(userID)
	g.unfollow(userID)
	g.mu.Lock()
	delete(g.online, userID)
	delete(g.estimates, userID)
	g.mu.Unlock()

	pr, err := g.profiles.Get(ctx, userID)
	if err != nil {
		g.logger.Warn("disconnect: load profile", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if pr.IsLookingForMatch || pr.IsMatched {
		if err := g.matchmaker.CancelSearch(ctx, userID); err != nil {
			g.logger.Warn("disconnect: cancel", zap.String("user_id", userID), zap.Error(err))
		}
	}
	if err := g.profiles.SetOnline(ctx, userID, false); err != nil {
		g.logger.Warn("disconnect: presence", zap.String("user_id", userID), zap.Error(err))
	}
	g.logger.Info("disconnected", zap.String("user_id", userID))
}

// ---------------------------------------------------------------------------
// Client frame handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleSetInterests(p Peer, msg any) {
	m := msg.(protocol.SetInterestsMsg)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := g.profiles.SaveInterests(ctx, p.User(), m.Interests); err != nil {
		g.fail(p, "set_interests", err)
		return
	}
	pr, err := g.profiles.Get(ctx, p.User())
	if err != nil {
		g.fail(p, "set_interests", err)
		return
	}
	send(p, protocol.TypeInterestsSaved, protocol.InterestsSavedMsg{Interests: pr.Interests})

	n, err := g.matchmaker.EstimateSaved(ctx, p.User())
	if err != nil {
		g.logger.Debug("estimate after save", zap.String("user_id", p.User()), zap.Error(err))
		return
	}
	g.noteEstimate(p.User(), n)
	send(p, protocol.TypeEstimate, protocol.EstimateResultMsg{Count: n})
}

func (g *Gateway) handleFindMatch(p Peer, msg any) {
	m := msg.(protocol.FindMatchMsg)
	userID := p.User()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if !g.allow(ctx, p, ratelimit.RuleMatch) {
		return
	}

	interests := m.Interests
	if m.Saved {
		pr, err := g.profiles.Get(ctx, userID)
		if err != nil {
			g.fail(p, "find_match", err)
			return
		}
		interests = pr.Interests
	}

	out, err := g.matchmaker.RequestMatch(ctx, userID, interests)
	if err != nil {
		g.fail(p, "find_match", err)
		return
	}
	if out.Status == matching.StatusWaiting {
		send(p, protocol.TypeMatchingStarted, protocol.MatchingStartedMsg{Interests: interests})
		return
	}
	g.joined(userID, matching.MatchResult{
		ChatID:          out.ChatRoomID,
		PartnerID:       out.PartnerID,
		SharedInterests: out.SharedInterests,
		ExpiresAt:       out.ExpiresAt,
		Topic:           out.Topic,
	})
}

func (g *Gateway) handleCancelMatch(p Peer, _ any) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := g.matchmaker.CancelSearch(ctx, p.User()); err != nil {
		g.fail(p, "cancel_match", err)
	}
}

func (g *Gateway) handleEstimate(p Peer, msg any) {
	m := msg.(protocol.EstimateMsg)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		n   int
		err error
	)
	if len(m.Interests) == 0 {
		n, err = g.matchmaker.EstimateSaved(ctx, p.User())
	} else {
		n, err = g.matchmaker.Estimate(ctx, p.User(), m.Interests)
	}
	if err != nil {
		g.fail(p, "estimate", err)
		return
	}
	send(p, protocol.TypeEstimate, protocol.EstimateResultMsg{Count: n})
}

func (g *Gateway) handleMessage(p Peer, msg any) {
	m := msg.(protocol.ChatMsg)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if !g.allow(ctx, p, ratelimit.RuleMessage) {
		return
	}
	// The message reaches the author through the session broadcast.
	if _, err := g.chats.AppendMessage(ctx, m.ChatID, p.User(), m.Text); err != nil {
		g.fail(p, "message", err)
	}
}

func (g *Gateway) handleEndChat(p Peer, msg any) {
	m := msg.(protocol.EndChatMsg)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	s, err := g.chats.Session(ctx, m.ChatID)
	if err != nil {
		g.fail(p, "end_chat", err)
		return
	}
	if !s.IsParticipant(p.User()) {
		g.fail(p, "end_chat", chat.ErrNotParticipant)
		return
	}
	if err := g.chats.End(ctx, s.ID, chat.ReasonCancelled); err != nil {
		g.fail(p, "end_chat", err)
	}
}

func (g *Gateway) handleDrawTopic(p Peer, msg any) {
	m := msg.(protocol.DrawTopicMsg)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := g.chats.DrawTopic(ctx, m.ChatID, p.User()); err != nil {
		g.fail(p, "draw_topic", err)
	}
}

// ---------------------------------------------------------------------------
// Notification relays
// ---------------------------------------------------------------------------

func (g *Gateway) onMatchFound(userID string, data []byte) {
	var r matching.MatchResult
	if err := json.Unmarshal(data, &r); err != nil {
		g.logger.Warn("bad match notification", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if r.Timeout {
		g.push(userID, protocol.TypeMatchTimeout, protocol.MatchTimeoutMsg{})
		return
	}
	g.joined(userID, r)
}

// joined follows the session and tells the user about it, once per session
// however many paths report it.
func (g *Gateway) joined(userID string, r matching.MatchResult) {
	if !g.follow(userID, r.ChatID) {
		return
	}
	g.push(userID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		ChatID:          r.ChatID,
		PartnerID:       r.PartnerID,
		SharedInterests: r.SharedInterests,
		ExpiresAt:       r.ExpiresAt,
		Topic:           r.Topic,
	})
}

func (g *Gateway) onChatEvent(userID string, data []byte) {
	var ev chat.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		g.logger.Warn("bad chat event", zap.String("user_id", userID), zap.Error(err))
		return
	}

	switch ev.Type {
	case chat.EventMessage:
		if ev.Message == nil {
			return
		}
		g.push(userID, protocol.TypeMessage, protocol.ServerChatMsg{
			ChatID: ev.SessionID,
			ID:     ev.Message.ID,
			From:   ev.Message.AuthorID,
			Text:   ev.Message.Text,
			Ts:     ev.Message.SentAt.UnixMilli(),
		})
	case chat.EventTopic:
		g.push(userID, protocol.TypeTopic, protocol.TopicMsg{ChatID: ev.SessionID, Topic: ev.Topic})
	case chat.EventEnded:
		g.push(userID, protocol.TypeChatEnded, protocol.ChatEndedMsg{ChatID: ev.SessionID, Reason: ev.Reason})
		g.mu.Lock()
		if g.rooms[userID] == ev.SessionID {
			delete(g.rooms, userID)
			g.mu.Unlock()
			_ = g.events.UnsubscribeFromChat(userID)
			return
		}
		g.mu.Unlock()
	}
}

// follow subscribes userID to sessionID's events. It reports false if the
// user already follows that session.
func (g *Gateway) follow(userID, sessionID string) bool {
	g.mu.Lock()
	if g.rooms[userID] == sessionID {
		g.mu.Unlock()
		return false
	}
	g.rooms[userID] = sessionID
	g.mu.Unlock()

	err := g.events.SubscribeToChat(sessionID, userID, func(data []byte) { g.onChatEvent(userID, data) })
	if err != nil {
		g.logger.Error("subscribe to chat", zap.String("user_id", userID), zap.String("session_id", sessionID), zap.Error(err))
	}
	return true
}

func (g *Gateway) unfollow(userID string) {
	g.mu.Lock()
	_, ok := g.rooms[userID]
	delete(g.rooms, userID)
	g.mu.Unlock()
	if ok {
		_ = g.events.UnsubscribeFromChat(userID)
	}
}

// Following returns the session userID's connection currently relays.
func (g *Gateway) Following(userID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[userID]
}

// WatchPool subscribes to pool.changed and, debounce after each burst of
// changes, refreshes the estimates of users connected here. The refresh loop
// stops when ctx is done.
func (g *Gateway) WatchPool(ctx context.Context, debounce time.Duration) error {
	kick := make(chan struct{}, 1)
	err := g.events.SubscribePoolChanged(func([]byte) {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-kick:
			}
			timer := time.NewTimer(debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			select {
			case <-kick:
			default:
			}
			g.RefreshEstimates(ctx)
		}
	}()
	return nil
}

// RefreshEstimates recomputes the saved-interest estimate of every connected,
// unmatched user with saved interests and pushes it when it changed.
func (g *Gateway) RefreshEstimates(ctx context.Context) {
	g.mu.Lock()
	users := make([]string, 0, len(g.online))
	for id := range g.online {
		users = append(users, id)
	}
	g.mu.Unlock()

	for _, id := range users {
		if ctx.Err() != nil {
			return
		}
		g.refreshEstimate(ctx, id)
	}
}

func (g *Gateway) refreshEstimate(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pr, err := g.profiles.Get(ctx, userID)
	if err != nil || pr.IsMatched || len(pr.Interests) == 0 {
		return
	}
	n, err := g.matchmaker.EstimateSaved(ctx, userID)
	if err != nil {
		g.logger.Debug("refresh estimate", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if g.noteEstimate(userID, n) {
		g.push(userID, protocol.TypeEstimate, protocol.EstimateResultMsg{Count: n})
	}
}

// noteEstimate records n as userID's latest estimate and reports whether it
// differs from the previous one.
func (g *Gateway) noteEstimate(userID string, n int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.online[userID]; !ok {
		return false
	}
	if last, ok := g.estimates[userID]; ok && last == n {
		return false
	}
	g.estimates[userID] = n
	return true
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (g *Gateway) push(userID, msgType string, payload any) {
	if g.sender == nil {
		return
	}
	if err := g.sender.SendToUser(userID, protocol.MustServerMessage(msgType, payload)); err != nil {
		g.logger.Debug("push failed", zap.String("user_id", userID), zap.String("type", msgType), zap.Error(err))
	}
}

func (g *Gateway) allow(ctx context.Context, p Peer, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, _ := g.limiter.Allow(ctx, p.User(), rule)
	if !ok {
		send(p, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: int(rule.Window.Seconds())})
	}
	return ok
}

func (g *Gateway) fail(p Peer, op string, err error) {
	code := matching.ErrorCode(err)
	msg := err.Error()
	if code == matching.CodeUnavailable {
		g.logger.Error(op+" failed", zap.String("user_id", p.User()), zap.Error(err))
		msg = "temporarily unavailable, try again"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	sendError(p, code, msg)
}
