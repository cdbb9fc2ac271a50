// Package client provides a WebSocket load test client for the chat server.
// It connects with gobwas/ws (the same library the server uses), records the
// session_created greeting, and tracks per-connection counters.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeJoinRoom    = "join_room"
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeChatHistory    = "chat_history"
	TypeNewMessage     = "new_message"
	TypeErrorMessage   = "error_message"
	TypePong           = "pong"
)

// ChatMessage mirrors the message object carried by chat_history and
// new_message frames.
type ChatMessage struct {
	ID          int64  `json:"id"`
	Text        string `json:"text"`
	AuthorID    int64  `json:"authorId"`
	AuthorName  string `json:"authorName"`
	AuthorEmail string `json:"authorEmail"`
	Timestamp   string `json:"timestamp"`
	Room        string `json:"room"`
}

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Rejections       int64
	Errors           int64
}

// Client is a single simulated user connection.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.RWMutex
	sessionID string
	guest     bool
	handlers  map[string]func(json.RawMessage)
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	rejections     atomic.Int64
	errors         atomic.Int64
}

// New dials rawURL. A non-empty token is sent as the auth.token query
// parameter. handlers are keyed by server message type and run on the read
// loop goroutine, which starts immediately.
func New(ctx context.Context, rawURL, token string, handlers map[string]func(json.RawMessage)) (*Client, error) {
	target, err := withToken(rawURL, token)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if br != nil {
		conn = &bufferedConn{Conn: conn, r: br}
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage), len(handlers)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	for k, h := range handlers {
		c.handlers[k] = h
	}
	c.connectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

func withToken(rawURL, token string) (string, error) {
	if token == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("auth.token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send writes a JSON message. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// Join subscribes the connection to room.
func (c *Client) Join(room string) error {
	return c.Send(map[string]string{"type": TypeJoinRoom, "room": room})
}

// SendText posts text to the joined room.
func (c *Client) SendText(room, text string) error {
	return c.Send(map[string]interface{}{
		"type":    TypeSendMessage,
		"payload": map[string]string{"room": room, "text": text},
	})
}

// WaitForSession blocks until session_created has arrived.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-c.ready:
		return nil
	}
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

// SessionID returns the id from session_created, or "" before it arrives.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Guest reports whether the server treated the connection as a guest.
func (c *Client) Guest() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.guest
}

// Alive reports whether the read loop is still running without error.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return c.errors.Load() == 0
	}
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Rejections:       c.rejections.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.errors.Add(1)
			c.Close()
			return
		}
		c.received.Add(1)

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case TypeSessionCreated:
			var msg struct {
				SessionID string `json:"session_id"`
				Guest     bool   `json:"guest"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				c.mu.Lock()
				first := c.sessionID == ""
				c.sessionID = msg.SessionID
				c.guest = msg.Guest
				c.mu.Unlock()
				if first {
					close(c.ready)
				}
			}
		case TypeErrorMessage:
			c.rejections.Add(1)
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}

// bufferedConn serves bytes the dialer read past the handshake before
// reading from the socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
