//go:build linux

package ws

import (
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T, id, user string) *Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	return &Connection{ID: id, UserID: user, Conn: server, Fd: -1}
}

func TestConnectionManagerReplacesUserConnection(t *testing.T) {
	cm := NewConnectionManager()
	first := pipeConn(t, "c1", "alice")
	second := pipeConn(t, "c2", "alice")

	assert.Nil(t, cm.Add(first))
	assert.Same(t, first, cm.Add(second))
	assert.Equal(t, 1, cm.Count())
	assert.Same(t, second, cm.GetByUser("alice"))
	assert.Nil(t, cm.Get("c1"))

	// Removing the superseded connection must not unregister the new one.
	assert.False(t, cm.Remove("c1"))
	assert.Same(t, second, cm.GetByUser("alice"))

	assert.True(t, cm.Remove("c2"))
	assert.False(t, cm.Remove("c2"))
	assert.Nil(t, cm.GetByUser("alice"))
	assert.Empty(t, cm.All())
}

func TestConnectionTouch(t *testing.T) {
	c := pipeConn(t, "c1", "alice")
	c.Touch()
	assert.WithinDuration(t, time.Now(), c.LastSeen(), time.Second)
	assert.Equal(t, "alice", c.User())
}

func TestEpollReportsReadableConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer dialed.Close()
	accepted, err := ln.Accept()
	require.NoError(t, err)
	defer accepted.Close()

	e, err := NewEpoll()
	require.NoError(t, err)
	defer e.Close()

	c := &Connection{ID: "c1", UserID: "alice", Conn: accepted, Fd: socketFD(accepted)}
	require.NoError(t, e.Add(c))

	_, err = dialed.Write([]byte("x"))
	require.NoError(t, err)

	var ready []*Connection
	for i := 0; i < 10 && len(ready) == 0; i++ {
		ready, err = e.Wait()
		require.NoError(t, err)
	}
	require.Len(t, ready, 1)
	assert.Same(t, c, ready[0])

	require.NoError(t, e.Remove(c))
	require.NoError(t, e.Remove(c))
}

func TestEpollRejectsNonSocket(t *testing.T) {
	e, err := NewEpoll()
	require.NoError(t, err)
	defer e.Close()

	assert.Error(t, e.Add(pipeConn(t, "c1", "alice")))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.1")
	assert.Equal(t, "10.0.0.7", clientIP(r))
}
