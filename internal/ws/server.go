// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, and dispatching
// incoming frames to the message handlers.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/pitchtalk/chat-server/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameSize   int64         // largest accepted data frame payload in bytes
	Heartbeat      HeartbeatConfig
}

// DefaultMaxFrameSize fits a maximum-length chat message with its JSON
// envelope several times over.
const DefaultMaxFrameSize = 4096

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   DefaultMaxFrameSize,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// ErrNotRunning is returned when connections arrive before Run.
var ErrNotRunning = errors.New("ws: server not running")

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                           // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)     // message handler callback
	onConnect    func(conn *Connection, r *http.Request) // called before the first frame can be read
	onDisconnect func(connID string)                     // called when a connection is removed
	httpServer   *http.Server
	running      atomic.Bool
	stopOnce     sync.Once
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked for every upgraded connection
// before it is registered with epoll, so no frame is dispatched for a
// connection the application has not seen yet.
func (s *Server) SetOnConnect(fn func(conn *Connection, r *http.Request)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Run creates the epoll instance and starts the event loop and heartbeat in
// the background. HandleUpgrade refuses connections until Run succeeds.
func (s *Server) Run() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.running.Store(true)

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)
	return nil
}

// Start runs the server and blocks serving handler on the configured
// address. handler is expected to route the upgrade path to HandleUpgrade.
func (s *Server) Start(handler http.Handler) error {
	if err := s.Run(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(log.Fields{
		"component": "ws",
		"addr":      s.config.ListenAddr,
		"workers":   s.config.WorkerPoolSize,
		"max_conns": s.config.MaxConnections,
	}).Info("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, hands it to the connect callback, and then
// registers it for read readiness.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.running.Load() {
		http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.WithField("component", "ws").WithError(err).Debug("upgrade failed")
		return
	}
	conn := s.epoll.Wrap(raw)

	c := &Connection{
		ID:           uuid.New().String(),
		Conn:         conn,
		Fd:           socketFD(conn),
		RemoteAddr:   r.RemoteAddr,
		CreatedAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
	}
	c.Touch()

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(c, r)
	}

	if err := s.epoll.Add(conn); err != nil {
		log.WithFields(log.Fields{"component": "ws", "session": c.ID}).
			WithError(err).Error("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	log.WithFields(log.Fields{
		"component": "ws",
		"session":   c.ID,
		"fd":        c.Fd,
		"total":     s.conns.Count(),
	}).Debug("new connection")
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithField("component", "ws").WithError(err).Warn("epoll wait error")
			continue
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				defer s.rearm(conn)
				defer func() {
					if r := recover(); r != nil {
						log.WithField("component", "ws").WithField("panic", r).Error("handler panic")
					}
				}()
				s.handleConn(conn)
			}()
		}
	}
}

// rearm lets the poller report conn again.
func (s *Server) rearm(conn net.Conn) {
	if err := s.epoll.Rearm(conn); err != nil {
		log.WithField("component", "ws").WithError(err).Debug("rearm failed")
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on
// a data frame that may never arrive. A failed read removes the connection.
// The poller does not report the connection again until it is rearmed, so
// only one worker reads a given connection at a time.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available; the heartbeat handles
		// dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		// Control payloads are at most 125 bytes; drain them so the next
		// header starts at a frame boundary.
		if _, err := io.Copy(io.Discard, reader); err != nil {
			s.RemoveConnection(c)
		}
		_ = netConn.SetReadDeadline(time.Time{})
		return
	}

	if header.Length > s.config.MaxFrameSize {
		log.WithFields(log.Fields{
			"component": "ws",
			"session":   c.ID,
			"length":    header.Length,
		}).Warn("frame too large")
		metrics.FramesRejected.Inc()
		_ = c.WriteClose(ws.StatusMessageTooBig, "message too big")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err = io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	_ = netConn.SetReadDeadline(time.Time{})

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is safe to call
// from several goroutines for the same connection; only the first call
// notifies the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.WithFields(log.Fields{
		"component": "ws",
		"session":   c.ID,
		"total":     s.conns.Count(),
	}).Debug("connection closed")
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if !s.running.Load() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	log.WithField("component", "ws").Info("shutting down server")

	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.running.Store(false)

		if s.httpServer != nil {
			if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", shutdownErr)
			}
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
	})

	log.WithField("component", "ws").Info("server stopped, all connections closed")
	return err
}
