package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/matching"
	"github.com/convo/chat-app/internal/memstore"
	"github.com/convo/chat-app/internal/messaging"
	"github.com/convo/chat-app/internal/protocol"
	"github.com/convo/chat-app/internal/ratelimit"
)

// bus is a synchronous in-process stand-in for NATS.
type bus struct {
	mu   sync.Mutex
	subs map[string]sub
}

type sub struct {
	subject string
	handler func([]byte)
}

func newBus() *bus { return &bus{subs: map[string]sub{}} }

func (b *bus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	var hs []func([]byte)
	for _, s := range b.subs {
		if s.subject == subject {
			hs = append(hs, s.handler)
		}
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
	return nil
}

func (b *bus) add(key, subject string, h func([]byte)) error {
	b.mu.Lock()
	b.subs[key] = sub{subject: subject, handler: h}
	b.mu.Unlock()
	return nil
}

func (b *bus) remove(key string) error {
	b.mu.Lock()
	delete(b.subs, key)
	b.mu.Unlock()
	return nil
}

func (b *bus) SubscribeMatchFound(userID string, h func([]byte)) error {
	return b.add("mf:"+userID, messaging.MatchFoundSubject(userID), h)
}

func (b *bus) UnsubscribeMatchFound(userID string) error { return b.remove("mf:" + userID) }

func (b *bus) SubscribeToChat(sessionID, key string, h func([]byte)) error {
	return b.add("chat:"+key, messaging.ChatSubject(sessionID), h)
}

func (b *bus) UnsubscribeFromChat(key string) error { return b.remove("chat:" + key) }

func (b *bus) SubscribePoolChanged(h func([]byte)) error {
	return b.add("pool", messaging.SubjectPoolChanged, h)
}

type peer struct {
	user   string
	mu     sync.Mutex
	frames []map[string]any
}

func (p *peer) User() string { return p.user }
func (p *peer) Touch()       {}

func (p *peer) WriteMessage(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	p.mu.Lock()
	p.frames = append(p.frames, m)
	p.mu.Unlock()
	return nil
}

// types returns the type of every frame received so far.
func (p *peer) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.frames))
	for i, f := range p.frames {
		out[i], _ = f["type"].(string)
	}
	return out
}

func (p *peer) last(msgType string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.frames) - 1; i >= 0; i-- {
		if p.frames[i]["type"] == msgType {
			return p.frames[i]
		}
	}
	return nil
}

func (p *peer) reset() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}

type sender struct {
	mu    sync.Mutex
	peers map[string]*peer
}

func (s *sender) SendToUser(userID string, data []byte) error {
	s.mu.Lock()
	p := s.peers[userID]
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.WriteMessage(data)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *memstore.Store
	profiles *memstore.Profiles
	gw       *Gateway
	sender   *sender
}

func newHarness(t *testing.T, limiter ratelimit.Allower) *harness {
	t.Helper()
	b := newBus()
	store := memstore.New()
	profiles := store.Profiles()
	sessions := store.Sessions()

	life := chat.NewLifecycle(sessions, chat.NewNATSBroadcaster(b), nil, nil)
	m := matching.NewMatcher(profiles, sessions, life, matching.NewNATSNotifier(b), matching.DefaultMatcherConfig(), nil)
	mm := matching.NewLocal(m, matching.NewEstimator(profiles))

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		profiles: profiles,
		sender:   &sender{peers: map[string]*peer{}},
	}
	h.gw = New(profiles, mm, life, b, limiter, nil)
	h.gw.SetSender(h.sender)
	return h
}

func (h *harness) connect(userID string) *peer {
	h.t.Helper()
	p := &peer{user: userID}
	h.sender.mu.Lock()
	h.sender.peers[userID] = p
	h.sender.mu.Unlock()
	require.NoError(h.t, h.gw.Connect(p))
	return p
}

func (h *harness) send(p *peer, frame string) {
	h.gw.Dispatch(p, []byte(frame))
}

func (h *harness) saveAndFind(p *peer, interests ...string) {
	list := `["` + strings.Join(interests, `","`) + `"]`
	h.send(p, `{"type":"set_interests","interests":`+list+`}`)
	h.send(p, `{"type":"find_match","saved":true}`)
}

func count(types []string, want string) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func TestConnectMarksOnline(t *testing.T) {
	h := newHarness(t, nil)
	p := h.connect("alice")

	assert.Equal(t, []string{protocol.TypeConnected}, p.types())
	assert.Equal(t, "alice", p.last(protocol.TypeConnected)["user_id"])

	pr, err := h.profiles.Get(h.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, pr.IsOnline)
}

func TestSetInterests(t *testing.T) {
	h := newHarness(t, nil)
	p := h.connect("alice")

	h.send(p, `{"type":"set_interests","interests":[" Tech","Cars","Tech"]}`)
	saved := p.last(protocol.TypeInterestsSaved)
	require.NotNil(t, saved)
	assert.Equal(t, []any{"Tech", "Cars"}, saved["interests"])

	h.send(p, `{"type":"set_interests","interests":["Knitting"]}`)
	errFrame := p.last(protocol.TypeError)
	require.NotNil(t, errFrame)
	assert.Equal(t, matching.CodeUnknownInterest, errFrame["code"])
}

func TestMatchAndChat(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("alice")
	b := h.connect("bob")

	h.saveAndFind(a, "Cars", "Tech", "Animals")
	assert.Equal(t, 1, count(a.types(), protocol.TypeMatchingStarted))

	h.saveAndFind(b, "Animals", "Games", "Books")

	assert.Equal(t, 1, count(a.types(), protocol.TypeMatchFound), "waiting user notified once")
	assert.Equal(t, 1, count(b.types(), protocol.TypeMatchFound), "requester notified once")
	assert.Zero(t, count(b.types(), protocol.TypeMatchingStarted))

	found := b.last(protocol.TypeMatchFound)
	assert.Equal(t, "alice", found["partner_id"])
	assert.Equal(t, []any{"Animals"}, found["shared_interests"])
	chatID := found["chat_id"].(string)
	assert.Equal(t, chatID, a.last(protocol.TypeMatchFound)["chat_id"])
	assert.Equal(t, chatID, h.gw.Following("alice"))

	h.send(a, `{"type":"message","chat_id":"`+chatID+`","text":"hi bob"}`)
	for _, p := range []*peer{a, b} {
		msg := p.last(protocol.TypeMessage)
		require.NotNil(t, msg, "delivered to %s", p.user)
		assert.Equal(t, "alice", msg["from"])
		assert.Equal(t, "hi bob", msg["text"])
	}

	h.send(b, `{"type":"end_chat","chat_id":"`+chatID+`"}`)
	for _, p := range []*peer{a, b} {
		ended := p.last(protocol.TypeChatEnded)
		require.NotNil(t, ended, "ended sent to %s", p.user)
		assert.Equal(t, chat.ReasonCancelled, ended["reason"])
	}
	assert.Empty(t, h.gw.Following("alice"))

	for _, id := range []string{"alice", "bob"} {
		pr, err := h.profiles.Get(h.ctx, id)
		require.NoError(t, err)
		assert.False(t, pr.IsMatched)
		assert.Empty(t, pr.CurrentChatRoom)
	}
}

func TestMessageRejections(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("alice")
	b := h.connect("bob")
	c := h.connect("carol")
	h.saveAndFind(a, "Cars", "Tech", "Art")
	h.saveAndFind(b, "Cars", "Tech", "Art")
	chatID := a.last(protocol.TypeMatchFound)["chat_id"].(string)

	h.send(c, `{"type":"message","chat_id":"`+chatID+`","text":"intruder"}`)
	assert.Equal(t, matching.CodeNotParticipant, c.last(protocol.TypeError)["code"])

	h.send(a, `{"type":"message","chat_id":"`+chatID+`","text":"   "}`)
	assert.Equal(t, matching.CodeInvalidMessage, a.last(protocol.TypeError)["code"])

	h.send(c, `{"type":"end_chat","chat_id":"`+chatID+`"}`)
	assert.Equal(t, matching.CodeNotParticipant, c.last(protocol.TypeError)["code"])
	assert.Nil(t, b.last(protocol.TypeChatEnded))
}

func TestFindMatchValidation(t *testing.T) {
	h := newHarness(t, nil)
	p := h.connect("alice")

	h.send(p, `{"type":"find_match","interests":["Cars","Tech"]}`)
	assert.Equal(t, matching.CodeInterestCount, p.last(protocol.TypeError)["code"])

	h.send(p, `{"type":"find_match","interests":["Cars","Tech","Art"]}`)
	assert.Equal(t, matching.CodeUnsavedInterests, p.last(protocol.TypeError)["code"])
	assert.Zero(t, count(p.types(), protocol.TypeMatchingStarted))
}

func TestEstimate(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("alice")
	b := h.connect("bob")
	h.send(b, `{"type":"set_interests","interests":["Cars","Tech","Art"]}`)
	h.send(a, `{"type":"set_interests","interests":["Art","Books","Games"]}`)

	h.send(a, `{"type":"estimate","interests":["Cars"]}`)
	assert.EqualValues(t, 1, a.last(protocol.TypeEstimate)["count"])

	a.reset()
	h.send(a, `{"type":"estimate"}`)
	assert.EqualValues(t, 1, a.last(protocol.TypeEstimate)["count"], "saved interests overlap on Art")

	a.reset()
	h.send(a, `{"type":"estimate","interests":["Movies"]}`)
	assert.EqualValues(t, 0, a.last(protocol.TypeEstimate)["count"])
}

func TestDisconnectAbandonsSearch(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("alice")
	h.saveAndFind(a, "Cars", "Tech", "Art")

	h.gw.Disconnect("alice")

	pr, err := h.profiles.Get(h.ctx, "alice")
	require.NoError(t, err)
	assert.False(t, pr.IsOnline)
	assert.False(t, pr.IsLookingForMatch)
	n, err := h.profiles.WaitingCount(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDisconnectEndsChat(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("alice")
	b := h.connect("bob")
	h.saveAndFind(a, "Cars", "Tech", "Art")
	h.saveAndFind(b, "Cars", "Tech", "Art")
	require.NotNil(t, b.last(protocol.TypeMatchFound))

	h.gw.Disconnect("alice")

	ended := b.last(protocol.TypeChatEnded)
	require.NotNil(t, ended)
	assert.Equal(t, chat.ReasonCancelled, ended["reason"])
	pr, err := h.profiles.Get(h.ctx, "bob")
	require.NoError(t, err)
	assert.False(t, pr.IsMatched)
}

func TestReconnectResumesChat(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("alice")
	b := h.connect("bob")
	h.saveAndFind(a, "Cars", "Tech", "Art")
	h.saveAndFind(b, "Cars", "Tech", "Art")
	chatID := a.last(protocol.TypeMatchFound)["chat_id"].(string)

	// A dropped relay without the disconnect cleanup, as after a gateway restart.
	h.gw.unfollow("alice")

	a2 := h.connect("alice")
	assert.Equal(t, []string{protocol.TypeConnected, protocol.TypeMatchFound}, a2.types())
	assert.Equal(t, chatID, a2.last(protocol.TypeMatchFound)["chat_id"])
}

func TestRateLimitedMessages(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewMemory()
	limiter.SetClock(func() time.Time { return now })

	h := newHarness(t, limiter)
	a := h.connect("alice")
	b := h.connect("bob")
	h.saveAndFind(a, "Cars", "Tech", "Art")
	h.saveAndFind(b, "Cars", "Tech", "Art")
	chatID := a.last(protocol.TypeMatchFound)["chat_id"].(string)

	for i := 0; i < ratelimit.RuleMessage.Limit+1; i++ {
		h.send(a, `{"type":"message","chat_id":"`+chatID+`","text":"spam"}`)
	}
	assert.Equal(t, ratelimit.RuleMessage.Limit, count(b.types(), protocol.TypeMessage))
	limited := a.last(protocol.TypeRateLimited)
	require.NotNil(t, limited)
	assert.EqualValues(t, 10, limited["retry_after"])
}

func TestPingAndUnknown(t *testing.T) {
	h := newHarness(t, nil)
	p := h.connect("alice")
	p.reset()

	h.send(p, `{"type":"ping"}`)
	h.send(p, `{"type":"typing"}`)
	h.send(p, `not json`)

	assert.Equal(t, []string{protocol.TypePong, protocol.TypeError, protocol.TypeError}, p.types())
}

func TestSearchTimeoutNotification(t *testing.T) {
	h := newHarness(t, nil)
	p := h.connect("alice")
	p.reset()

	n := matching.NewNATSNotifier(h.gw.events.(*bus))
	require.NoError(t, n.SearchExpired(h.ctx, "alice"))
	assert.Equal(t, []string{protocol.TypeMatchTimeout}, p.types())
}

func TestSetInterestsPushesEstimate(t *testing.T) {
	h := newHarness(t, nil)
	b := h.connect("bob")
	h.send(b, `{"type":"set_interests","interests":["Cars","Games","Books"]}`)
	assert.EqualValues(t, 0, b.last(protocol.TypeEstimate)["count"])

	a := h.connect("alice")
	h.send(a, `{"type":"set_interests","interests":["Cars","Tech","Art"]}`)
	assert.Equal(t, []string{protocol.TypeConnected, protocol.TypeInterestsSaved, protocol.TypeEstimate}, a.types())
	assert.EqualValues(t, 1, a.last(protocol.TypeEstimate)["count"])
}

func TestWatchPoolPushesChangedEstimates(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	require.NoError(t, h.gw.WatchPool(ctx, 10*time.Millisecond))

	a := h.connect("alice")
	h.send(a, `{"type":"set_interests","interests":["Cars","Tech","Art"]}`)
	assert.EqualValues(t, 0, a.last(protocol.TypeEstimate)["count"])
	a.reset()

	// bob starting a search publishes pool.changed; alice learns of him
	// without asking.
	b := h.connect("bob")
	h.saveAndFind(b, "Cars", "Games", "Books")
	assert.Eventually(t, func() bool {
		est := a.last(protocol.TypeEstimate)
		return est != nil && est["count"] == float64(1)
	}, time.Second, 5*time.Millisecond)

	// An unchanged count is not pushed again.
	a.reset()
	h.gw.RefreshEstimates(h.ctx)
	assert.Zero(t, count(a.types(), protocol.TypeEstimate))

	// Matched users get no estimates.
	h.send(a, `{"type":"find_match","saved":true}`)
	require.NotNil(t, a.last(protocol.TypeMatchFound))
	a.reset()
	b.reset()
	h.gw.RefreshEstimates(h.ctx)
	assert.Zero(t, count(a.types(), protocol.TypeEstimate))
	assert.Zero(t, count(b.types(), protocol.TypeEstimate))
}
