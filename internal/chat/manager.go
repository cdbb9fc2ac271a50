// Package chat implements the room chat core: the fixed room registry with
// bounded history, text validation and the session manager that runs every
// client action through the send pipeline.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pitchtalk/chat-server/internal/metrics"
	"github.com/pitchtalk/chat-server/internal/moderation"
	"github.com/pitchtalk/chat-server/internal/protocol"
	"github.com/pitchtalk/chat-server/internal/ratelimit"
	"github.com/pitchtalk/chat-server/internal/user"
)

// ErrUnknownSession is returned for operations on a session that was never
// connected or has already disconnected.
var ErrUnknownSession = errors.New("chat: unknown session")

// Sender delivers an encoded server frame to one client. Implementations must
// be safe for concurrent use.
type Sender interface {
	WriteMessage(data []byte) error
}

// BanChecker reports whether a user is currently banned.
type BanChecker interface {
	IsBanned(ctx context.Context, userID int64) (bool, error)
}

// Publisher mirrors accepted messages onto the event bus.
type Publisher interface {
	PublishRoomMessage(room string, data []byte) error
}

// Presence records who is connected and where, for the admin session list.
type Presence interface {
	Register(ctx context.Context, sessionID string, userID int64, name string) error
	SetRoom(ctx context.Context, sessionID, room string) error
	Touch(ctx context.Context, sessionID string) error
	RefreshTTL(ctx context.Context, sessionIDs ...string) error
	Remove(ctx context.Context, sessionID string) error
}

// Options carries the optional collaborators of a Manager.
type Options struct {
	Publisher Publisher
	Presence  Presence
	Clock     func() time.Time
}

// Session is one connected client. Identity is nil for guests and never
// changes after Connect.
type Session struct {
	ID       string
	Identity *user.Identity

	sender Sender
	// outMu orders frames to this client so a join's history frame always
	// precedes any broadcast that was not part of that history.
	outMu sync.Mutex
	// sendMu serializes the send pipeline per session.
	sendMu sync.Mutex

	room   RoomID // guarded by Manager.mu
	inRoom bool   // guarded by Manager.mu
}

// Guest reports whether the session is unauthenticated.
func (s *Session) Guest() bool { return s.Identity == nil }

func (s *Session) write(data []byte) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.writeLocked(data)
}

func (s *Session) writeLocked(data []byte) {
	if err := s.sender.WriteMessage(data); err != nil {
		log.WithFields(log.Fields{"component": "chat", "session": s.ID}).
			WithError(err).Debug("write failed")
	}
}

// Manager owns every live session and the room membership sets. It routes
// joins and sends, and fans accepted messages out to the members of a room.
type Manager struct {
	rooms     *Registry
	limiter   *ratelimit.Cooldown
	bans      BanChecker
	publisher Publisher
	presence  Presence
	now       func() time.Time
	ids       IDGenerator

	// fanout holds one lock per room, taken from append through delivery so
	// every member sees a room's messages in history order.
	fanout map[RoomID]*sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
	members  map[RoomID]map[string]*Session
}

// NewManager wires a Manager. bans may be nil, in which case nobody is
// treated as banned.
func NewManager(rooms *Registry, limiter *ratelimit.Cooldown, bans BanChecker, opts Options) *Manager {
	m := &Manager{
		rooms:     rooms,
		limiter:   limiter,
		bans:      bans,
		publisher: opts.Publisher,
		presence:  opts.Presence,
		now:       opts.Clock,
		fanout:    make(map[RoomID]*sync.Mutex, len(Rooms)),
		sessions:  make(map[string]*Session),
		members:   make(map[RoomID]map[string]*Session, len(Rooms)),
	}
	if m.now == nil {
		m.now = time.Now
	}
	for _, r := range Rooms {
		m.fanout[r] = &sync.Mutex{}
		m.members[r] = make(map[string]*Session)
	}
	return m
}

// Connect registers a new session and greets it with session_created. The
// session is in no room until it joins one.
func (m *Manager) Connect(id string, sender Sender, ident *user.Identity) *Session {
	sess := &Session{ID: id, Identity: ident, sender: sender}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	greeting := protocol.SessionCreatedMsg{SessionID: id, Guest: ident == nil}
	var userID int64
	if ident != nil {
		greeting.Name = ident.Name
		userID = ident.ID
	}
	if data, err := protocol.NewServerMessage(protocol.TypeSessionCreated, greeting); err == nil {
		sess.write(data)
	}

	if m.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := m.presence.Register(ctx, id, userID, greeting.Name); err != nil {
			log.WithFields(log.Fields{"component": "chat", "session": id}).
				WithError(err).Warn("presence register failed")
		}
		cancel()
	}

	log.WithFields(log.Fields{
		"component": "chat",
		"session":   id,
		"user_id":   userID,
		"guest":     ident == nil,
	}).Debug("session connected")
	return sess
}

// Session returns the live session with the given id, or nil.
func (m *Manager) Session(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// JoinRoom moves the session into the normalized room, leaving any previous
// room, and sends it that room's history. Guests may join.
func (m *Manager) JoinRoom(id, candidate string) (RoomID, error) {
	room := Normalize(candidate)

	m.mu.RLock()
	sess := m.sessions[id]
	m.mu.RUnlock()
	if sess == nil {
		return "", ErrUnknownSession
	}

	sess.outMu.Lock()
	m.mu.Lock()
	if m.sessions[id] != sess {
		m.mu.Unlock()
		sess.outMu.Unlock()
		return "", ErrUnknownSession
	}
	prev, hadRoom := sess.room, sess.inRoom
	if hadRoom {
		delete(m.members[prev], id)
	}
	m.members[room][id] = sess
	sess.room, sess.inRoom = room, true
	// Snapshot under the membership lock: any later append is delivered to
	// this session by broadcast, never lost between history and membership.
	history := m.rooms.History(room)
	m.updateMemberGauges(prev, hadRoom, room)
	m.mu.Unlock()

	data, err := protocol.NewServerMessage(protocol.TypeChatHistory, protocol.ChatHistoryMsg{
		Room:     string(room),
		Messages: history,
	})
	if err != nil {
		sess.outMu.Unlock()
		return room, err
	}
	sess.writeLocked(data)
	sess.outMu.Unlock()

	if m.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := m.presence.SetRoom(ctx, id, string(room)); err != nil {
			log.WithFields(log.Fields{"component": "chat", "session": id, "room": room}).
				WithError(err).Warn("presence update failed")
		}
		cancel()
	}

	log.WithFields(log.Fields{"component": "chat", "session": id, "room": room}).Debug("joined room")
	return room, nil
}

// updateMemberGauges must be called with m.mu held.
func (m *Manager) updateMemberGauges(prev RoomID, hadRoom bool, next RoomID) {
	if hadRoom {
		metrics.RoomMembers.WithLabelValues(string(prev)).Set(float64(len(m.members[prev])))
	}
	metrics.RoomMembers.WithLabelValues(string(next)).Set(float64(len(m.members[next])))
}

// SendMessage runs payload through the send pipeline for the session. An
// accepted message is appended to the session's current room and delivered
// to every member, the sender included. A refused message yields a
// *Rejection and an error_message to the sender alone; nothing else sees it.
//
// The room named in payload is normalized but never overrides the room the
// session has joined.
func (m *Manager) SendMessage(ctx context.Context, id string, payload protocol.SendPayload) (*Message, error) {
	start := time.Now()

	m.mu.RLock()
	sess := m.sessions[id]
	m.mu.RUnlock()
	if sess == nil {
		return nil, ErrUnknownSession
	}

	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()

	metrics.MessagesTotal.WithLabelValues("received").Inc()

	msg, rej := m.accept(ctx, sess, payload)
	if rej != nil {
		m.reject(sess, rej)
		return nil, rej
	}

	room := RoomID(msg.Room)
	lock := m.fanout[room]
	lock.Lock()
	msg.ID = m.ids.Next(m.now())
	m.mu.Lock()
	m.rooms.Append(room, *msg)
	recipients := make([]*Session, 0, len(m.members[room]))
	for _, s := range m.members[room] {
		recipients = append(recipients, s)
	}
	m.mu.Unlock()

	data, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{Message: *msg})
	if err != nil {
		lock.Unlock()
		return msg, err
	}
	for _, s := range recipients {
		s.write(data)
	}
	lock.Unlock()

	if m.publisher != nil {
		if err := m.publisher.PublishRoomMessage(string(room), data); err != nil {
			log.WithFields(log.Fields{"component": "chat", "room": room}).
				WithError(err).Warn("publish room message failed")
		}
	}
	if m.presence != nil {
		if err := m.presence.Touch(ctx, id); err != nil {
			log.WithFields(log.Fields{"component": "chat", "session": id}).
				WithError(err).Debug("presence touch failed")
		}
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	log.WithFields(log.Fields{
		"component":  "chat",
		"session":    id,
		"user_id":    msg.AuthorID,
		"room":       room,
		"message_id": msg.ID,
		"recipients": len(recipients),
	}).Debug("message delivered")
	return msg, nil
}

// accept applies the ordered checks and builds the message, leaving the id
// to be assigned in room order. Only a fully accepted message consumes the
// sender's cooldown.
func (m *Manager) accept(ctx context.Context, sess *Session, payload protocol.SendPayload) (*Message, *Rejection) {
	if sess.Guest() {
		return nil, &RejectGuest
	}

	m.mu.RLock()
	room, inRoom := sess.room, sess.inRoom
	m.mu.RUnlock()
	if !inRoom {
		return nil, &RejectNoRoom
	}
	if payload.Room != "" && Normalize(payload.Room) != room {
		log.WithFields(log.Fields{"component": "chat", "session": sess.ID, "room": room, "payload_room": payload.Room}).
			Debug("payload room ignored")
	}

	ident := sess.Identity
	if m.bans != nil {
		banned, err := m.bans.IsBanned(ctx, ident.ID)
		if err != nil {
			// Lookup errors fail open.
			log.WithFields(log.Fields{"component": "chat", "user_id": ident.ID}).
				WithError(err).Warn("ban lookup failed")
		} else if banned {
			return nil, &RejectBanned
		}
	}

	text, rej := ValidateText(payload.Text)
	if rej != nil {
		return nil, rej
	}
	text = moderation.Censor(text)

	now := m.now()
	if !m.limiter.TryAccept(ident.ID, now) {
		return nil, rateLimited(m.limiter.RetryAfter(ident.ID, now))
	}

	return &Message{
		Text:        text,
		AuthorID:    ident.ID,
		AuthorName:  ident.Name,
		AuthorEmail: ident.Email,
		Timestamp:   FormatTimestamp(now),
		Room:        string(room),
	}, nil
}

func (m *Manager) reject(sess *Session, rej *Rejection) {
	metrics.MessagesTotal.WithLabelValues("rejected").Inc()
	metrics.RejectionsTotal.WithLabelValues(rej.Label).Inc()

	fields := log.Fields{"component": "chat", "session": sess.ID, "reason": rej.Label}
	if sess.Identity != nil {
		fields["user_id"] = sess.Identity.ID
	}
	log.WithFields(fields).Info("message rejected")

	data, err := protocol.NewServerMessage(protocol.TypeErrorMessage, protocol.ErrorMessageMsg{Reason: rej.Reason})
	if err != nil {
		return
	}
	sess.write(data)
}

// Disconnect removes the session from its room and the registry. It is safe
// to call more than once.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	if sess.inRoom {
		delete(m.members[sess.room], id)
		metrics.RoomMembers.WithLabelValues(string(sess.room)).Set(float64(len(m.members[sess.room])))
		sess.inRoom = false
	}
	m.mu.Unlock()

	if m.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := m.presence.Remove(ctx, id); err != nil {
			log.WithFields(log.Fields{"component": "chat", "session": id}).
				WithError(err).Warn("presence remove failed")
		}
		cancel()
	}

	log.WithFields(log.Fields{"component": "chat", "session": id}).Debug("session disconnected")
}

// RefreshPresence extends the presence records of every live session, so a
// client that stays connected without sending is still listed.
func (m *Manager) RefreshPresence(ctx context.Context) {
	if m.presence == nil {
		return
	}
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	if err := m.presence.RefreshTTL(ctx, ids...); err != nil {
		log.WithFields(log.Fields{"component": "chat", "sessions": len(ids)}).
			WithError(err).Warn("presence refresh failed")
	}
}

// RunPresence calls RefreshPresence every interval until ctx is cancelled.
func (m *Manager) RunPresence(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshPresence(ctx)
		}
	}
}

// RoomCounts returns the number of sessions joined to each room.
func (m *Manager) RoomCounts() map[RoomID]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[RoomID]int, len(m.members))
	for r, set := range m.members {
		counts[r] = len(set)
	}
	return counts
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// History returns the recent messages of the normalized room.
func (m *Manager) History(candidate string) []Message {
	return m.rooms.History(Normalize(candidate))
}
