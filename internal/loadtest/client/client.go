// Package client is a WebSocket load test client for the Convo gateway. It
// connects with gobwas/ws (the same library the server uses), authenticates
// with a bearer token, and tracks per-connection performance metrics.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/convo/chat-app/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Options tune how a client dials.
type Options struct {
	// ForwardedFor is sent as X-Forwarded-For so that many simulated users
	// from one host are not throttled as a single address.
	ForwardedFor string
}

// Client is one simulated user connection. It dispatches incoming frames to
// registered handlers and records the user id from the connected frame.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	userID    string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	dialStart time.Time

	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New connects to url with token as the bearer credential and starts the
// read loop.
func New(ctx context.Context, url, token string, opts Options) (*Client, error) {
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	if opts.ForwardedFor != "" {
		header.Set("X-Forwarded-For", opts.ForwardedFor)
	}
	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header)}

	start := time.Now()
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	// Frames the server sent right after the upgrade may already sit in the
	// handshake reader.
	if br != nil {
		pending := make([]byte, br.Buffered())
		_, _ = io.ReadFull(br, pending)
		ws.PutReader(br)
		conn = &bufferedConn{Conn: conn, r: io.MultiReader(bytes.NewReader(pending), conn)}
	}

	c := &Client{
		conn:      conn,
		handlers:  make(map[string]func(json.RawMessage)),
		dialStart: start,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send encodes msg as JSON and writes it as a text frame. It is
// goroutine-safe.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return err
}

// On registers the handler for a server frame type, replacing any previous
// one. Handlers run on the read loop goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitConnected blocks until the server's connected frame arrives.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return errors.New("connection closed before connected frame")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UserID returns the user id the server confirmed, or "" before the
// connected frame.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Metrics returns a copy of the client's metrics.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// bufferedConn replays bytes read ahead during the handshake before reading
// from the socket again.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type   string `json:"type"`
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if c.metrics.FirstMsgLatency == 0 {
			c.metrics.FirstMsgLatency = time.Since(c.dialStart)
		}
		first := envelope.Type == protocol.TypeConnected && c.userID == ""
		if first {
			c.userID = envelope.UserID
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if first {
			close(c.connected)
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
