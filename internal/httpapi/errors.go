package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/pitchtalk/chat-server/internal/moderation"
	"github.com/pitchtalk/chat-server/internal/user"
)

func errorResponse(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{"error": message})
}

// handleServiceError maps moderation and store errors to HTTP statuses.
// Anything unrecognized is an infrastructure failure and the action is
// denied.
func handleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, moderation.ErrUnauthenticated):
		errorResponse(c, http.StatusUnauthorized, "Authentication required")
	case errors.Is(err, moderation.ErrNotAdmin):
		errorResponse(c, http.StatusForbidden, "Admin access required")
	case errors.Is(err, moderation.ErrReasonRequired):
		errorResponse(c, http.StatusBadRequest, "Reason is required")
	case errors.Is(err, moderation.ErrInvalidUser):
		errorResponse(c, http.StatusBadRequest, "A valid userId is required")
	case errors.Is(err, user.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "User not found")
	default:
		log.WithFields(log.Fields{
			"component": "httpapi",
			"path":      c.FullPath(),
		}).WithError(err).Error("unhandled internal server error")
		errorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
