package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"whatsapp-inbox/internal/conversation"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/media"
	"whatsapp-inbox/internal/outbound"
	"whatsapp-inbox/internal/templates"
	"whatsapp-inbox/internal/whatsapp"
)

// classify maps an error onto an HTTP status and a stable code the UI
// can switch on.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, whatsapp.ErrWindowClosed):
		return http.StatusConflict, string(whatsapp.KindWindowClosed)
	case errors.Is(err, whatsapp.ErrTemplateNotApproved):
		return http.StatusUnprocessableEntity, string(whatsapp.KindTemplateNotApproved)
	case errors.Is(err, conversation.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, outbound.ErrConversationDone):
		return http.StatusConflict, "conversation_closed"
	case errors.Is(err, outbound.ErrNotResendable):
		return http.StatusConflict, "not_resendable"
	case errors.Is(err, outbound.ErrInvalidNumber),
		errors.Is(err, outbound.ErrEmptyMessage),
		errors.Is(err, templates.ErrMalformedVariables),
		errors.Is(err, whatsapp.ErrValidation):
		return http.StatusUnprocessableEntity, string(whatsapp.KindValidation)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return http.StatusConflict, "conflict"
	case errors.Is(err, database.ErrNotFound), errors.Is(err, whatsapp.ErrNotFound):
		return http.StatusNotFound, string(whatsapp.KindNotFound)
	case errors.Is(err, media.ErrNoMedia), errors.Is(err, whatsapp.ErrMediaNotFound):
		return http.StatusNotFound, string(whatsapp.KindMediaNotFound)
	case errors.Is(err, whatsapp.ErrRateLimited):
		return http.StatusTooManyRequests, string(whatsapp.KindRateLimited)
	case errors.Is(err, whatsapp.ErrTransientNetwork):
		return http.StatusBadGateway, string(whatsapp.KindTransientNetwork)
	case errors.Is(err, whatsapp.ErrAuth):
		return http.StatusBadGateway, string(whatsapp.KindAuth)
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.WithField("path", c.FullPath()).WithError(err).Error("[API] request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
}
