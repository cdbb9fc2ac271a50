//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the goroutine-per-connection fallback used on platforms without
// epoll, so the server runs on developer machines. Each connection gets a
// monitor goroutine that peeks for input without consuming it.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// peekConn buffers reads so the monitor can Peek. The monitor and the
// server's reader never run at the same time: the monitor waits on rearm
// after signalling readiness.
type peekConn struct {
	net.Conn
	br    *bufio.Reader
	rearm chan struct{}
	gone  chan struct{}
	once  sync.Once
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.br.Read(b)
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns a connection the monitor can peek on. Callers must use the
// returned value for every later read and for Add and Remove.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{
		Conn:  conn,
		br:    bufio.NewReader(conn),
		rearm: make(chan struct{}, 1),
		gone:  make(chan struct{}),
	}
}

// Add starts monitoring a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		pc = e.Wrap(conn).(*peekConn)
	}
	select {
	case <-e.done:
		return net.ErrClosed
	default:
	}

	e.mu.Lock()
	e.conns[conn] = pc
	e.mu.Unlock()

	go e.monitor(conn, pc)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, pc *peekConn) {
	for {
		// An error is reported as readiness so the reader sees it.
		_, err := pc.br.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		case <-pc.gone:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-pc.rearm:
		case <-e.done:
			return
		case <-pc.gone:
			return
		}
	}
}

// Rearm lets the monitor of conn look for the next frame. The server calls
// it after it has finished reading.
func (e *Epoll) Rearm(conn net.Conn) error {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.rearm <- struct{}{}:
		default:
		}
	}
	return nil
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	pc, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		pc.once.Do(func() { close(pc.gone) })
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns it together
// with any others that are ready without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Len reports the number of monitored connections.
func (e *Epoll) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*peekConn)
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning for the fallback.
func socketFD(net.Conn) int {
	return -1
}
