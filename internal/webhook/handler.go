package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/vault"
	wire "whatsapp-inbox/pkg/models"
)

// maxBody caps a single webhook delivery.
const maxBody = 4 << 20

// ImmediateProcessor is the ingestion worker's synchronous entry point.
type ImmediateProcessor interface {
	ProcessNow(ctx context.Context, envelopeID string) error
}

type Handler struct {
	store  *database.Store
	vault  *vault.Vault
	worker ImmediateProcessor

	// ProcessTimeout bounds the immediate attempt so the provider gets
	// its 200 quickly.
	ProcessTimeout time.Duration
}

func NewHandler(store *database.Store, v *vault.Vault, worker ImmediateProcessor, processTimeout time.Duration) *Handler {
	if processTimeout <= 0 {
		processTimeout = 3 * time.Second
	}
	return &Handler{store: store, vault: v, worker: worker, ProcessTimeout: processTimeout}
}

// Register mounts the receiver. It is public: the provider cannot
// present operator credentials.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/webhook/whatsapp/:accountId", h.VerifyWebhook)
	r.POST("/webhook/whatsapp/:accountId", h.HandleMessage)
}

func (h *Handler) account(c *gin.Context) (*models.Account, bool) {
	accountID := c.Param("accountId")
	acc, err := h.store.GetAccount(c.Request.Context(), accountID)
	if errors.Is(err, database.ErrNotFound) {
		c.Status(http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		log.WithField("account_id", accountID).WithError(err).Error("[WEBHOOK] account lookup failed")
		c.Status(http.StatusInternalServerError)
		return nil, false
	}
	return acc, true
}

func (h *Handler) VerifyWebhook(c *gin.Context) {
	acc, ok := h.account(c)
	if !ok {
		return
	}
	if !acc.Active {
		c.Status(http.StatusNotFound)
		return
	}

	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	expected := h.vault.Decrypt(acc.VerifyToken)
	if mode == "subscribe" && expected != "" &&
		hmac.Equal([]byte(token), []byte(expected)) {
		log.WithField("account_id", acc.ID).Info("[WEBHOOK] subscription verified")
		c.String(http.StatusOK, challenge)
		return
	}
	log.WithField("account_id", acc.ID).Warn("[WEBHOOK] verification refused")
	c.Status(http.StatusForbidden)
}

func (h *Handler) HandleMessage(c *gin.Context) {
	acc, ok := h.account(c)
	if !ok {
		return
	}
	fields := log.Fields{"account_id": acc.ID}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("[WEBHOOK] cannot read body")
		c.Status(http.StatusBadRequest)
		return
	}

	if secret := h.vault.Decrypt(acc.AppSecret); secret != "" {
		if !validSignature(secret, body, c.GetHeader("X-Hub-Signature-256")) {
			log.WithFields(fields).Warn("[WEBHOOK] signature mismatch")
			c.Status(http.StatusUnauthorized)
			return
		}
	}

	var payload wire.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.WithFields(fields).WithError(err).Warn("[WEBHOOK] invalid JSON")
		c.Status(http.StatusBadRequest)
		return
	}

	env, err := h.store.EnqueueEnvelope(c.Request.Context(), acc.ID, body)
	if err != nil {
		log.WithFields(fields).WithError(err).Error("[WEBHOOK] cannot enqueue envelope")
		c.Status(http.StatusInternalServerError)
		return
	}
	fields["envelope_id"] = env.ID
	log.WithFields(fields).Debug("[WEBHOOK] envelope queued")

	if h.worker != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.ProcessTimeout)
		if err := h.worker.ProcessNow(ctx, env.ID); err != nil {
			log.WithFields(fields).WithError(err).Warn("[WEBHOOK] immediate processing failed, left for the worker pool")
		}
		cancel()
	}

	c.Status(http.StatusOK)
}

// validSignature checks header "sha256=<hex>" against HMAC-SHA256(body).
func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
