package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/convo/chat-app/internal/messaging"
)

const handlerTimeout = 5 * time.Second

// Request is the NATS payload for match.request, match.cancel and
// match.estimate.
type Request struct {
	UserID    string   `json:"user_id"`
	Interests []string `json:"interests,omitempty"`
	Saved     bool     `json:"saved,omitempty"` // estimate against saved interests
}

// Reply is the response to a Request. Code is set iff the request failed.
type Reply struct {
	Outcome *Outcome `json:"outcome,omitempty"`
	Count   *int     `json:"count,omitempty"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Responder serves request-reply subjects. *messaging.NATSClient satisfies it.
type Responder interface {
	Respond(subject string, handler func(data []byte) []byte) error
}

// Service is the matcher's NATS front door. It also owns the sweep loop.
type Service struct {
	nats      Responder
	matcher   *Matcher
	estimator *Estimator
	sweeper   *Sweeper
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
}

// NewService creates a new matching service. sweeper may be nil when another
// process runs the sweep.
func NewService(nats Responder, matcher *Matcher, estimator *Estimator, sweeper *Sweeper, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		nats:      nats,
		matcher:   matcher,
		estimator: estimator,
		sweeper:   sweeper,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("matcher"),
	}
}

// Start subscribes to the request subjects and starts the sweep loop.
func (s *Service) Start() error {
	handlers := map[string]func([]byte) []byte{
		messaging.SubjectMatchRequest:  s.handleMatchRequest,
		messaging.SubjectMatchCancel:   s.handleCancelRequest,
		messaging.SubjectMatchEstimate: s.handleEstimateRequest,
	}
	for subject, h := range handlers {
		if err := s.nats.Respond(subject, h); err != nil {
			return err
		}
	}

	if s.sweeper != nil {
		go s.sweeper.Run(s.ctx)
	}

	s.logger.Info("service started")
	return nil
}

// Stop gracefully shuts down the matching service.
func (s *Service) Stop() {
	s.cancel()
	s.logger.Info("service stopped")
}

func (s *Service) handleMatchRequest(data []byte) []byte {
	req, ctx, cancel, reply := s.decode(data)
	if reply != nil {
		return reply
	}
	defer cancel()

	out, err := s.matcher.RequestMatch(ctx, req.UserID, req.Interests)
	if err != nil {
		return s.fail("match request", req.UserID, err)
	}
	return encode(Reply{Outcome: out})
}

func (s *Service) handleCancelRequest(data []byte) []byte {
	req, ctx, cancel, reply := s.decode(data)
	if reply != nil {
		return reply
	}
	defer cancel()

	if err := s.matcher.CancelSearch(ctx, req.UserID); err != nil {
		return s.fail("cancel", req.UserID, err)
	}
	return encode(Reply{})
}

func (s *Service) handleEstimateRequest(data []byte) []byte {
	req, ctx, cancel, reply := s.decode(data)
	if reply != nil {
		return reply
	}
	defer cancel()

	var (
		n   int
		err error
	)
	if req.Saved {
		n, err = s.estimator.EstimateSaved(ctx, req.UserID)
	} else {
		n, err = s.estimator.Estimate(ctx, req.UserID, req.Interests)
	}
	if err != nil {
		return s.fail("estimate", req.UserID, err)
	}
	return encode(Reply{Count: &n})
}

func (s *Service) decode(data []byte) (Request, context.Context, context.CancelFunc, []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil || req.UserID == "" {
		s.logger.Warn("invalid request", zap.ByteString("payload", data), zap.Error(err))
		return req, nil, nil, encode(Reply{Code: CodeInvalidRequest, Error: ErrInvalidRequest.Error()})
	}
	ctx, cancel := context.WithTimeout(s.ctx, handlerTimeout)
	return req, ctx, cancel, nil
}

func (s *Service) fail(op, userID string, err error) []byte {
	code := ErrorCode(err)
	if code == CodeUnavailable {
		s.logger.Error(op+" failed", zap.String("user_id", userID), zap.Error(err))
	}
	return encode(Reply{Code: code, Error: err.Error()})
}

func encode(r Reply) []byte {
	data, _ := json.Marshal(r)
	return data
}

// Requester sends a request and waits for the reply. *messaging.NATSClient
// satisfies it.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// Client calls a remote Service. Errors carry the same sentinels the
// in-process Matcher returns.
type Client struct {
	nats Requester
}

// NewClient creates a Client.
func NewClient(nats Requester) *Client {
	return &Client{nats: nats}
}

// RequestMatch is Matcher.RequestMatch over NATS.
func (c *Client) RequestMatch(ctx context.Context, userID string, interests []string) (*Outcome, error) {
	r, err := c.call(ctx, messaging.SubjectMatchRequest, Request{UserID: userID, Interests: interests})
	if err != nil {
		return nil, err
	}
	if r.Outcome == nil {
		return nil, fmt.Errorf("%w: empty outcome", ErrUnavailable)
	}
	return r.Outcome, nil
}

// CancelSearch is Matcher.CancelSearch over NATS.
func (c *Client) CancelSearch(ctx context.Context, userID string) error {
	_, err := c.call(ctx, messaging.SubjectMatchCancel, Request{UserID: userID})
	return err
}

// Estimate is Estimator.Estimate over NATS.
func (c *Client) Estimate(ctx context.Context, userID string, interests []string) (int, error) {
	return c.count(ctx, Request{UserID: userID, Interests: interests})
}

// EstimateSaved is Estimator.EstimateSaved over NATS.
func (c *Client) EstimateSaved(ctx context.Context, userID string) (int, error) {
	return c.count(ctx, Request{UserID: userID, Saved: true})
}

func (c *Client) count(ctx context.Context, req Request) (int, error) {
	r, err := c.call(ctx, messaging.SubjectMatchEstimate, req)
	if err != nil {
		return 0, err
	}
	if r.Count == nil {
		return 0, fmt.Errorf("%w: empty count", ErrUnavailable)
	}
	return *r.Count, nil
}

func (c *Client) call(ctx context.Context, subject string, req Request) (*Reply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("matching: marshal request: %w", err)
	}
	raw, err := c.nats.Request(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var r Reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %v", ErrUnavailable, err)
	}
	if r.Code != "" {
		return nil, fmt.Errorf("%w: %s", errorFromCode(r.Code), r.Error)
	}
	return &r, nil
}

// Local serves the Client API from an in-process Matcher and Estimator, for
// single-process deployments without a matcher service.
type Local struct {
	*Matcher
	*Estimator
}

// NewLocal pairs m and e.
func NewLocal(m *Matcher, e *Estimator) *Local {
	return &Local{Matcher: m, Estimator: e}
}
