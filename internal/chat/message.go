package chat

import (
	"sync"
	"time"

	"github.com/pitchtalk/chat-server/internal/protocol"
)

// TimestampLayout is the ISO-8601 form used for Message.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is an accepted chat message. Text is censored and at most
// MaxTextChars characters. It is immutable once built.
type Message = protocol.ChatMessage

// IDGenerator hands out unique, strictly increasing message ids derived from
// the wall clock in milliseconds. Two messages in the same millisecond get
// consecutive ids.
type IDGenerator struct {
	mu   sync.Mutex
	last int64
}

// Next returns the id for a message created at now.
func (g *IDGenerator) Next(now time.Time) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := now.UnixMilli()
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}

// FormatTimestamp renders t in UTC as used on the wire.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
