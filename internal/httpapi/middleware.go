package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/pitchtalk/chat-server/internal/auth"
	"github.com/pitchtalk/chat-server/internal/ratelimit"
	"github.com/pitchtalk/chat-server/internal/user"
)

const identityKey = "identity"

// requestLogger logs one line per request through logrus.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(log.Fields{
			"component": "httpapi",
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
		})
		if id := identityFrom(c); id != nil {
			entry = entry.WithField("user_id", id.ID)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}

// cors allows a single browser origin with credentials, so the token cookie
// is sent cross-site.
func cors(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Origin") == origin {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// identify resolves the caller from the request token. Failure leaves the
// caller a guest; handlers decide whether that is acceptable.
func identify(a Identifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := auth.TokenFromRequest(c.Request); raw != "" {
			if id := a.Authenticate(c.Request.Context(), raw); id != nil {
				c.Set(identityKey, id)
			}
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) *user.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*user.Identity)
	return id
}

// connectLimit throttles WebSocket upgrades per client IP. Limiter errors
// fail open.
func connectLimit(l ConnectLimiter, rule ratelimit.Rule) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := l.Allow(c.Request.Context(), c.ClientIP(), rule)
		if err != nil {
			log.WithField("component", "httpapi").WithError(err).Warn("connect limiter error")
		}
		if !ok {
			errorResponse(c, http.StatusTooManyRequests, "Too many connection attempts")
			return
		}
		c.Next()
	}
}
