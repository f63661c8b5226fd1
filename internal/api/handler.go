// Package api is the REST surface over profiles, matching and chat sessions,
// for clients that do not hold a WebSocket open.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/convo/chat-app/internal/auth"
	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/history"
	"github.com/convo/chat-app/internal/interest"
	"github.com/convo/chat-app/internal/matching"
	"github.com/convo/chat-app/internal/profile"
	"github.com/convo/chat-app/internal/ratelimit"
)

const opTimeout = 5 * time.Second

// Profiles is the profile store subset the API needs.
type Profiles interface {
	Create(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*profile.Profile, error)
	SaveInterests(ctx context.Context, id string, interests []string) error
	SetOnline(ctx context.Context, id string, online bool) error
}

// Matchmaker runs match requests. *matching.Client and *matching.Local
// satisfy it.
type Matchmaker interface {
	RequestMatch(ctx context.Context, userID string, interests []string) (*matching.Outcome, error)
	CancelSearch(ctx context.Context, userID string) error
	Estimate(ctx context.Context, userID string, interests []string) (int, error)
	EstimateSaved(ctx context.Context, userID string) (int, error)
}

// Chats is the session lifecycle subset the API needs. *chat.Lifecycle
// satisfies it.
type Chats interface {
	Session(ctx context.Context, id string) (*chat.Session, error)
	Messages(ctx context.Context, sessionID string) ([]chat.Message, error)
	AppendMessage(ctx context.Context, sessionID, authorID, text string) (*chat.Message, error)
	End(ctx context.Context, sessionID, reason string) error
	DrawTopic(ctx context.Context, sessionID, userID string) (string, error)
}

// Archive serves sessions whose live copy has expired. *history.Store
// satisfies it.
type Archive interface {
	Transcript(ctx context.Context, id string) (*history.Transcript, error)
}

// Handler serves the REST routes.
type Handler struct {
	profiles   Profiles
	matchmaker Matchmaker
	chats      Chats
	archive    Archive
	limiter    ratelimit.Allower
	logger     *zap.Logger
}

// NewHandler creates a Handler. archive and limiter may be nil.
func NewHandler(profiles Profiles, mm Matchmaker, chats Chats, archive Archive, limiter ratelimit.Allower, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		profiles:   profiles,
		matchmaker: mm,
		chats:      chats,
		archive:    archive,
		limiter:    limiter,
		logger:     logger.Named("api"),
	}
}

// Router builds the gin engine. Everything under /v1/me and /v1/sessions
// requires a bearer token.
func (h *Handler) Router(v *auth.Verifier) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	v1.GET("/interests", h.Interests)

	authed := v1.Group("", auth.Middleware(v))
	authed.POST("/me", h.Register)
	authed.GET("/me", h.Me)
	authed.PUT("/me/interests", h.SaveInterests)
	authed.PUT("/me/presence", h.SetPresence)
	authed.GET("/me/estimate", h.Estimate)
	authed.POST("/me/match", h.FindMatch)
	authed.DELETE("/me/match", h.CancelMatch)

	authed.GET("/sessions/:id", h.Session)
	authed.GET("/sessions/:id/messages", h.Messages)
	authed.POST("/sessions/:id/messages", h.SendMessage)
	authed.POST("/sessions/:id/end", h.EndSession)
	authed.POST("/sessions/:id/topic", h.DrawTopic)

	return r
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Interests lists the selectable interest catalog.
func (h *Handler) Interests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"interests": interest.Catalog,
		"required":  interest.RequiredForMatch,
	})
}

// ---------------------------------------------------------------------------
// Profile
// ---------------------------------------------------------------------------

// Register creates the caller's profile if it does not exist yet.
func (h *Handler) Register(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	userID := auth.UserID(c)
	if err := h.profiles.Create(ctx, userID); err != nil {
		h.fail(c, "register", err)
		return
	}
	pr, err := h.profiles.Get(ctx, userID)
	if err != nil {
		h.fail(c, "register", err)
		return
	}
	c.JSON(http.StatusCreated, pr)
}

// Me returns the caller's profile.
func (h *Handler) Me(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	pr, err := h.profiles.Get(ctx, auth.UserID(c))
	if err != nil {
		h.fail(c, "me", err)
		return
	}
	c.JSON(http.StatusOK, pr)
}

type interestsRequest struct {
	Interests []string `json:"interests"`
}

// SaveInterests replaces the caller's interest selection.
func (h *Handler) SaveInterests(c *gin.Context) {
	var req interestsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	userID := auth.UserID(c)
	if err := h.profiles.SaveInterests(ctx, userID, req.Interests); err != nil {
		h.fail(c, "save_interests", err)
		return
	}
	pr, err := h.profiles.Get(ctx, userID)
	if err != nil {
		h.fail(c, "save_interests", err)
		return
	}
	c.JSON(http.StatusOK, pr)
}

type presenceRequest struct {
	Online *bool `json:"online"`
}

// SetPresence marks the caller online or offline. Going offline abandons any
// search or chat in progress.
func (h *Handler) SetPresence(c *gin.Context) {
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		badRequest(c, errors.New("online is required"))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	userID := auth.UserID(c)
	if !*req.Online {
		pr, err := h.profiles.Get(ctx, userID)
		if err != nil {
			h.fail(c, "presence", err)
			return
		}
		if pr.IsLookingForMatch || pr.IsMatched {
			if err := h.matchmaker.CancelSearch(ctx, userID); err != nil {
				h.fail(c, "presence", err)
				return
			}
		}
	}
	if err := h.profiles.SetOnline(ctx, userID, *req.Online); err != nil {
		h.fail(c, "presence", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

// Estimate counts potential partners. Interests come from the comma-separated
// interests query parameter, or from the saved profile when it is absent.
func (h *Handler) Estimate(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	var (
		n   int
		err error
	)
	userID := auth.UserID(c)
	if q := c.Query("interests"); q != "" {
		n, err = h.matchmaker.Estimate(ctx, userID, strings.Split(q, ","))
	} else {
		n, err = h.matchmaker.EstimateSaved(ctx, userID)
	}
	if err != nil {
		h.fail(c, "estimate", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

type matchRequest struct {
	Interests []string `json:"interests"`
	Saved     bool     `json:"saved"`
}

// FindMatch runs a match request. 200 means paired, 202 means waiting.
func (h *Handler) FindMatch(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	userID := auth.UserID(c)
	if !h.allow(c, userID, ratelimit.RuleMatch) {
		return
	}

	interests := req.Interests
	if req.Saved {
		pr, err := h.profiles.Get(ctx, userID)
		if err != nil {
			h.fail(c, "find_match", err)
			return
		}
		interests = pr.Interests
	}

	out, err := h.matchmaker.RequestMatch(ctx, userID, interests)
	if err != nil {
		h.fail(c, "find_match", err)
		return
	}
	status := http.StatusOK
	if out.Status == matching.StatusWaiting {
		status = http.StatusAccepted
	}
	c.JSON(status, out)
}

// CancelMatch leaves the waiting room, or ends the caller's active chat.
func (h *Handler) CancelMatch(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	if err := h.matchmaker.CancelSearch(ctx, auth.UserID(c)); err != nil {
		h.fail(c, "cancel_match", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// Session returns a session the caller took part in, from the live store or
// the archive.
func (h *Handler) Session(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	s, _, err := h.load(ctx, c.Param("id"), auth.UserID(c), false)
	if err != nil {
		h.fail(c, "session", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// Messages returns a session's message log in order.
func (h *Handler) Messages(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	_, msgs, err := h.load(ctx, c.Param("id"), auth.UserID(c), true)
	if err != nil {
		h.fail(c, "messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type messageRequest struct {
	Text string `json:"text"`
}

// SendMessage appends a message to an active session.
func (h *Handler) SendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	userID := auth.UserID(c)
	if !h.allow(c, userID, ratelimit.RuleMessage) {
		return
	}
	m, err := h.chats.AppendMessage(ctx, c.Param("id"), userID, req.Text)
	if err != nil {
		h.fail(c, "send_message", err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// EndSession ends the caller's session early.
func (h *Handler) EndSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	s, err := h.chats.Session(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, "end_session", err)
		return
	}
	if !s.IsParticipant(auth.UserID(c)) {
		h.fail(c, "end_session", chat.ErrNotParticipant)
		return
	}
	if err := h.chats.End(ctx, s.ID, chat.ReasonCancelled); err != nil {
		h.fail(c, "end_session", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DrawTopic draws a fresh conversation starter for the session.
func (h *Handler) DrawTopic(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	t, err := h.chats.DrawTopic(ctx, c.Param("id"), auth.UserID(c))
	if err != nil {
		h.fail(c, "draw_topic", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topic": t})
}

// load fetches a session for a participant, falling back to the archive once
// the live copy is gone.
func (h *Handler) load(ctx context.Context, id, userID string, withMessages bool) (*chat.Session, []chat.Message, error) {
	s, err := h.chats.Session(ctx, id)
	switch {
	case err == nil:
		if !s.IsParticipant(userID) {
			return nil, nil, chat.ErrNotParticipant
		}
		if !withMessages {
			return s, nil, nil
		}
		msgs, err := h.chats.Messages(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return s, msgs, nil
	case !errors.Is(err, chat.ErrNotFound) || h.archive == nil:
		return nil, nil, err
	}

	t, err := h.archive.Transcript(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		return nil, nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if !t.Session.IsParticipant(userID) {
		return nil, nil, chat.ErrNotParticipant
	}
	return &t.Session, t.Messages, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (h *Handler) allow(c *gin.Context, userID string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ok, _ := h.limiter.Allow(c.Request.Context(), userID, rule)
	if !ok {
		c.Header("Retry-After", strconv.Itoa(int(rule.Window.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "code": "rate_limited"})
	}
	return ok
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	code := matching.ErrorCode(err)
	msg := err.Error()
	if code == matching.CodeUnavailable {
		h.logger.Error(op+" failed", zap.String("user_id", auth.UserID(c)), zap.Error(err))
		msg = "temporarily unavailable, try again"
	}
	c.JSON(statusFor(code), gin.H{"error": msg, "code": code})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": matching.CodeInvalidRequest})
}

func statusFor(code string) int {
	switch code {
	case matching.CodeNotFound, matching.CodeNoTopic:
		return http.StatusNotFound
	case matching.CodeNotParticipant:
		return http.StatusForbidden
	case matching.CodeAlreadyMatched, matching.CodeSessionClosed, matching.CodeUnsavedInterests:
		return http.StatusConflict
	case matching.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
