package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convo/chat-app/internal/protocol"
)

// pongServer greets with a connected frame and answers every client frame
// with a pong.
func pongServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		hello := protocol.MustServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{UserID: "user-" + r.Header.Get("X-Forwarded-For")})
		if err := wsutil.WriteServerMessage(conn, ws.OpText, hello); err != nil {
			return
		}
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
			pong := protocol.MustServerMessage(protocol.TypePong, protocol.PongMsg{})
			if err := wsutil.WriteServerMessage(conn, ws.OpText, pong); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientHandshakeAndPing(t *testing.T) {
	srv := pongServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, wsURL(srv), "good", Options{ForwardedFor: "10.0.0.7"})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WaitConnected(ctx))
	assert.Equal(t, "user-10.0.0.7", c.UserID())

	pongs := make(chan json.RawMessage, 1)
	c.On(protocol.TypePong, func(raw json.RawMessage) { pongs <- raw })
	require.NoError(t, c.Send(protocol.PingMsg{Type: protocol.TypePing}))

	select {
	case raw := <-pongs:
		assert.Contains(t, string(raw), `"pong"`)
	case <-ctx.Done():
		t.Fatal("no pong")
	}

	m := c.Metrics()
	assert.Equal(t, 1, m.MessagesSent)
	assert.Equal(t, 2, m.MessagesReceived)
	assert.Positive(t, m.ConnectLatency)
	assert.Zero(t, m.Errors)
}

func TestClientRejectedWithoutToken(t *testing.T) {
	srv := pongServer(t)
	defer srv.Close()

	_, err := New(context.Background(), wsURL(srv), "bad", Options{})
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := pongServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, wsURL(srv), "good", Options{})
	require.NoError(t, err)
	require.NoError(t, c.WaitConnected(ctx))

	_ = c.Close()
	assert.NotPanics(t, func() { _ = c.Close() })
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestClientReadsFramesSentWithHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		frames := [][]byte{
			protocol.MustServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{UserID: "alice"}),
			protocol.MustServerMessage(protocol.TypeEstimate, protocol.EstimateResultMsg{Count: 3}),
		}
		for _, f := range frames {
			if err := wsutil.WriteServerMessage(conn, ws.OpText, f); err != nil {
				return
			}
		}
		_, _ = wsutil.ReadClientText(conn)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, wsURL(srv), "any", Options{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WaitConnected(ctx))
	assert.Equal(t, "alice", c.UserID())
	assert.Eventually(t, func() bool {
		return c.Metrics().MessagesReceived == 2
	}, 2*time.Second, 10*time.Millisecond)
}
