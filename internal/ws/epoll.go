//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// waitTimeout bounds a single epoll_wait so the event loop can notice
// shutdown; closing an epoll fd does not wake a blocked waiter.
const waitTimeout = 200 * time.Millisecond

// watchEvents is one-shot: after a connection is reported it stays silent
// until Rearm, so a frame still queued behind the one being read does not
// wake the event loop again.
const watchEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// Epoll registers WebSocket file descriptors with the kernel and reports the
// ones that are readable, so idle connections cost no goroutine.
type Epoll struct {
	fd      int
	mu      sync.RWMutex
	conns   map[int]net.Conn  // fd -> conn
	events  []unix.EpollEvent // reused by Wait; only the event loop calls it
	closed  bool
	timeout int // milliseconds
}

// NewEpoll creates an epoll instance with close-on-exec set.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Epoll{
		fd:      fd,
		conns:   make(map[int]net.Conn),
		events:  make([]unix.EpollEvent, 128),
		timeout: int(waitTimeout / time.Millisecond),
	}, nil
}

// Add watches conn for input and hang-up. The first event disarms it.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("epoll: connection has no file descriptor")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return net.ErrClosed
	}
	ev := &unix.EpollEvent{
		Events: watchEvents,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	e.conns[fd] = conn
	return nil
}

// Remove stops watching conn. Removing an unknown connection is a no-op.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if _, ok := e.conns[fd]; !ok {
		return nil
	}
	delete(e.conns, fd)
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll del fd %d: %w", fd, err)
	}
	return nil
}

// Wait returns the connections that became ready. It returns an empty slice
// when the wait times out or is interrupted by a signal, and net.ErrClosed
// once Close has been called.
func (e *Epoll) Wait() ([]net.Conn, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, net.ErrClosed
	}

	n, err := unix.EpollWait(e.fd, e.events, e.timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		if errors.Is(err, unix.EBADF) {
			return nil, net.ErrClosed
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		// The fd may have been removed after epoll_wait returned.
		if conn, ok := e.conns[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	return conns, nil
}

// Len reports the number of watched connections.
func (e *Epoll) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

// Close releases the epoll fd. Later calls to Wait return net.ErrClosed.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.conns = nil
	return unix.Close(e.fd)
}

// Wrap returns conn unchanged; epoll reads readiness from the kernel.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return conn
}

// Rearm re-enables notifications for conn once the caller is done reading
// it. Data already queued is reported by the next Wait. A connection removed
// in the meantime is skipped.
func (e *Epoll) Rearm(conn net.Conn) error {
	fd := socketFD(conn)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed || fd < 0 || e.conns[fd] != conn {
		return nil
	}
	ev := &unix.EpollEvent{Events: watchEvents, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("epoll mod fd %d: %w", fd, err)
	}
	return nil
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1 if
// conn does not expose one.
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
	_ = raw.Control(func(sfd uintptr) { fd = int(sfd) })
	return fd
}
