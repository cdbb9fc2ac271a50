package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/pitchtalk/chat-server/internal/metrics"
	"github.com/pitchtalk/chat-server/internal/protocol"
)

// AuditKey is the Redis list holding the most recent moderation events,
// newest first.
const AuditKey = "moderation:audit"

// ErrUncensored is returned for a room message whose text still contains a
// banned term.
var ErrUncensored = errors.New("moderation: uncensored text on room feed")

// Auditor consumes the moderation event feed. Every event is logged and
// counted; with a Redis client it is also kept in a capped list.
type Auditor struct {
	rdb    *redis.Client
	key    string
	maxLen int
}

// NewAuditor creates an Auditor. rdb may be nil.
func NewAuditor(rdb *redis.Client, maxLen int) *Auditor {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &Auditor{rdb: rdb, key: AuditKey, maxLen: maxLen}
}

// Handle decodes and records one event.
func (a *Auditor) Handle(ctx context.Context, data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("moderation: decode event: %w", err)
	}
	switch ev.Kind {
	case EventReport, EventBan, EventUnban:
	default:
		return ev, fmt.Errorf("moderation: unknown event kind %q", ev.Kind)
	}

	metrics.ModerationEventsConsumed.WithLabelValues(ev.Kind).Inc()
	log.WithFields(log.Fields{
		"component": "audit",
		"kind":      ev.Kind,
		"user_id":   ev.UserID,
		"actor_id":  ev.ActorID,
		"report_id": ev.ReportID,
		"ts":        ev.Ts.Format(time.RFC3339),
	}).Info("moderation event")

	if a.rdb == nil {
		return ev, nil
	}
	pipe := a.rdb.TxPipeline()
	pipe.LPush(ctx, a.key, data)
	pipe.LTrim(ctx, a.key, 0, int64(a.maxLen-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return ev, fmt.Errorf("moderation: append audit: %w", err)
	}
	return ev, nil
}

// HandleRoomMessage checks one new_message frame from the feed of room.
// Frames still carrying a banned term are logged and reported as
// ErrUncensored.
func (a *Auditor) HandleRoomMessage(room string, data []byte) (protocol.ChatMessage, error) {
	var frame protocol.NewMessageMsg
	if err := json.Unmarshal(data, &frame); err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("moderation: decode room message: %w", err)
	}
	msg := frame.Message
	if frame.Type != protocol.TypeNewMessage || msg.Room != room {
		return msg, fmt.Errorf("moderation: unexpected %q frame on room %q", frame.Type, room)
	}

	metrics.RoomFeedConsumed.WithLabelValues(room).Inc()
	if Censor(msg.Text) != msg.Text {
		log.WithFields(log.Fields{
			"component":  "audit",
			"room":       room,
			"user_id":    msg.AuthorID,
			"message_id": msg.ID,
		}).Warn("uncensored text on room feed")
		return msg, ErrUncensored
	}
	return msg, nil
}

// Recent returns up to n stored events, newest first.
func (a *Auditor) Recent(ctx context.Context, n int) ([]Event, error) {
	if a.rdb == nil || n <= 0 {
		return nil, nil
	}
	raw, err := a.rdb.LRange(ctx, a.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("moderation: read audit: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
