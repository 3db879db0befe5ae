package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/media"
	"whatsapp-inbox/internal/outbound"
	"whatsapp-inbox/internal/storage"
)

// mediaURLTTL is how long a signed media link stays valid.
const mediaURLTTL = time.Hour

// MediaRetrier reschedules a media download that gave up.
type MediaRetrier interface {
	Retry(ctx context.Context, messageID string) error
}

type MessageHandler struct {
	store   *database.Store
	sender  *outbound.Sender
	objects storage.ObjectStore
	media   MediaRetrier
}

func NewMessageHandler(store *database.Store, sender *outbound.Sender, objects storage.ObjectStore, retrier MediaRetrier) *MessageHandler {
	return &MessageHandler{store: store, sender: sender, objects: objects, media: retrier}
}

func (h *MessageHandler) Resend(c *gin.Context) {
	msg, err := h.sender.Resend(c.Request.Context(), c.Param("id"), currentOperator(c).ID)
	respondSent(c, msg, err)
}

// MediaURL hands the browser a short-lived link to the stored copy.
func (h *MessageHandler) MediaURL(c *gin.Context) {
	msg, err := h.store.GetMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !msg.HasMedia() && msg.MediaRef == "" {
		respondError(c, media.ErrNoMedia)
		return
	}
	if msg.MediaRef == "" {
		// Not fetched yet, or the fetcher gave up.
		c.JSON(http.StatusAccepted, gin.H{"status": "pending", "error": msg.ErrorText})
		return
	}

	fallback := ""
	if msg.MediaOriginalURL != nil {
		fallback = *msg.MediaOriginalURL
	}
	url := storage.SignFor(c.Request.Context(), h.objects, msg.MediaRef, fallback, mediaURLTTL)
	if url == "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": "media link unavailable", "code": "storage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":        url,
		"mime":       msg.MediaMime,
		"filename":   msg.MediaFilename,
		"expires_in": int(mediaURLTTL.Seconds()),
	})
}

func (h *MessageHandler) RetryMedia(c *gin.Context) {
	if err := h.media.Retry(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}
