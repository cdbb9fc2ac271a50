// Package httpapi is the HTTP surface of the chat server: the WebSocket
// upgrade route, health and metrics, room occupancy and the moderation
// endpoints used by the admin UI.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pitchtalk/chat-server/internal/chat"
	"github.com/pitchtalk/chat-server/internal/metrics"
	"github.com/pitchtalk/chat-server/internal/moderation"
	"github.com/pitchtalk/chat-server/internal/ratelimit"
	"github.com/pitchtalk/chat-server/internal/report"
	"github.com/pitchtalk/chat-server/internal/session"
	"github.com/pitchtalk/chat-server/internal/user"
)

// Identifier resolves a raw token to a user, or nil for guests.
type Identifier interface {
	Authenticate(ctx context.Context, raw string) *user.Identity
}

// Moderator is the moderation surface the handlers drive.
type Moderator interface {
	SubmitReport(ctx context.Context, reporter *user.Identity, in moderation.ReportInput) (*report.Report, error)
	SetBanned(ctx context.Context, caller *user.Identity, userID int64, banned bool) error
	ListReports(ctx context.Context, caller *user.Identity) ([]report.Report, error)
	IsAdmin(ident *user.Identity) bool
}

// RoomStats reports live occupancy.
type RoomStats interface {
	RoomCounts() map[chat.RoomID]int
	SessionCount() int
}

// SessionLister lists presence records.
type SessionLister interface {
	List(ctx context.Context) ([]session.Session, error)
}

// ConnectLimiter throttles upgrade attempts.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Deps are the collaborators of the router. Sessions and Limiter are
// optional.
type Deps struct {
	Auth       Identifier
	Moderation Moderator
	Rooms      RoomStats
	Sessions   SessionLister
	Limiter    ConnectLimiter
	Upgrade    http.HandlerFunc
	Uptime     func() time.Duration
	CORSOrigin string
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	if d.CORSOrigin != "" {
		r.Use(cors(d.CORSOrigin))
	}

	h := &handlers{deps: d}

	if d.Upgrade != nil {
		chain := []gin.HandlerFunc{}
		if d.Limiter != nil {
			chain = append(chain, connectLimit(d.Limiter, ratelimit.RuleConnect))
		}
		chain = append(chain, gin.WrapF(d.Upgrade))
		r.GET("/ws", chain...)
	}

	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/rooms", h.rooms)

	api := r.Group("/", identify(d.Auth))
	api.POST("/report", h.submitReport)
	api.GET("/reports", h.listReports)
	api.POST("/ban-user", h.setBanned(true))
	api.POST("/unban-user", h.setBanned(false))
	api.GET("/sessions", h.listSessions)

	return r
}
