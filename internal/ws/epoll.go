//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds each epoll_wait so the event loop notices shutdown.
const pollTimeoutMs = 500

// Epoll multiplexes reads over registered connections. The kernel reports
// readiness per file descriptor and Wait resolves each back to its
// Connection, so no goroutine sits blocked on an idle socket.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]*Connection
	events []unix.EpollEvent
}

// NewEpoll creates an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add watches c for input and peer hang-up.
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.byFd[c.Fd] = c
	e.mu.Unlock()
	return nil
}

// Remove stops watching c. Removing an unknown connection is a no-op.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	if e.byFd[c.Fd] != c {
		e.mu.Unlock()
		return nil
	}
	delete(e.byFd, c.Fd)
	e.mu.Unlock()

	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Wait returns the connections with pending input, or none after the poll
// timeout. Descriptors removed after epoll_wait returned are skipped.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, pollTimeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.byFd[int(e.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFd = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD returns conn's descriptor without duplicating it, or -1 when conn
// is not backed by a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
