package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pitchtalk/chat-server/internal/chat"
	"github.com/pitchtalk/chat-server/internal/moderation"
	"github.com/pitchtalk/chat-server/internal/report"
	"github.com/pitchtalk/chat-server/internal/session"
)

type handlers struct {
	deps Deps
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

func (h *handlers) health(c *gin.Context) {
	resp := healthResponse{Status: "ok", Connections: h.deps.Rooms.SessionCount()}
	if h.deps.Uptime != nil {
		resp.Uptime = h.deps.Uptime().Round(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

type roomInfo struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

func (h *handlers) rooms(c *gin.Context) {
	counts := h.deps.Rooms.RoomCounts()
	out := make([]roomInfo, 0, len(chat.Rooms))
	for _, r := range chat.Rooms {
		out = append(out, roomInfo{ID: string(r), Members: counts[r]})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (h *handlers) submitReport(c *gin.Context) {
	caller := identityFrom(c)
	if caller == nil {
		handleServiceError(c, moderation.ErrUnauthenticated)
		return
	}

	var in moderation.ReportInput
	if err := c.ShouldBindJSON(&in); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	r, err := h.deps.Moderation.SubmitReport(c.Request.Context(), caller, in)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *handlers) listReports(c *gin.Context) {
	reports, err := h.deps.Moderation.ListReports(c.Request.Context(), identityFrom(c))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if reports == nil {
		reports = []report.Report{}
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

type banRequest struct {
	UserID *int64 `json:"userId" binding:"required"`
}

func (h *handlers) setBanned(banned bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := identityFrom(c)
		if caller == nil {
			handleServiceError(c, moderation.ErrUnauthenticated)
			return
		}
		if !h.deps.Moderation.IsAdmin(caller) {
			handleServiceError(c, moderation.ErrNotAdmin)
			return
		}

		var req banRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			handleServiceError(c, moderation.ErrInvalidUser)
			return
		}

		if err := h.deps.Moderation.SetBanned(c.Request.Context(), caller, *req.UserID, banned); err != nil {
			handleServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "userId": *req.UserID, "isBanned": banned})
	}
}

func (h *handlers) listSessions(c *gin.Context) {
	caller := identityFrom(c)
	if caller == nil {
		handleServiceError(c, moderation.ErrUnauthenticated)
		return
	}
	if !h.deps.Moderation.IsAdmin(caller) {
		handleServiceError(c, moderation.ErrNotAdmin)
		return
	}
	if h.deps.Sessions == nil {
		errorResponse(c, http.StatusServiceUnavailable, "Session listing is not configured")
		return
	}

	sessions, err := h.deps.Sessions.List(c.Request.Context())
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "local": h.deps.Rooms.SessionCount()})
}
