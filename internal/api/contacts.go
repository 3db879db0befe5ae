package api

import (
	"encoding/csv"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
)

type ContactHandler struct {
	store *database.Store
}

func NewContactHandler(store *database.Store) *ContactHandler {
	return &ContactHandler{store: store}
}

func (h *ContactHandler) ListContacts(c *gin.Context) {
	contacts, err := h.store.ListContacts(c.Request.Context(), c.Param("accountId"), queryInt(c, "limit", 500))
	if err != nil {
		respondError(c, err)
		return
	}

	// Return empty array instead of null
	if contacts == nil {
		contacts = []models.Contact{}
	}
	c.JSON(http.StatusOK, contacts)
}

type UpdateContactRequest struct {
	DisplayName *string `json:"display_name"`
	IsBlocked   *bool   `json:"is_blocked"`
}

func (h *ContactHandler) UpdateContact(c *gin.Context) {
	var req UpdateContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	updates := map[string]interface{}{}
	if req.DisplayName != nil {
		updates["display_name"] = strings.TrimSpace(*req.DisplayName)
	}
	if req.IsBlocked != nil {
		updates["is_blocked"] = *req.IsBlocked
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update", "code": "bad_request"})
		return
	}

	contact, err := h.store.UpdateContact(c.Request.Context(), c.Param("id"), updates)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, contact)
}

func (h *ContactHandler) ExportContacts(c *gin.Context) {
	accountID := c.Param("accountId")
	contacts, err := h.store.ListContacts(c.Request.Context(), accountID, 0)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=contacts.csv")
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	w.Write([]string{"Number", "Name", "Profile Name", "Blocked", "Last Seen", "Created At"})
	for _, ct := range contacts {
		lastSeen := ""
		if ct.LastSeenAt != nil {
			lastSeen = ct.LastSeenAt.Format(time.RFC3339)
		}
		blocked := "no"
		if ct.IsBlocked {
			blocked = "yes"
		}
		w.Write([]string{ct.E164Number, ct.DisplayName, ct.ProfileName, blocked, lastSeen, ct.CreatedAt.Format(time.RFC3339)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.WithField("account_id", accountID).WithError(err).Warn("[API] contact export interrupted")
	}
}
