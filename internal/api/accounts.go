package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/outbound"
	"whatsapp-inbox/internal/templates"
	"whatsapp-inbox/internal/vault"
	"whatsapp-inbox/internal/whatsapp"
)

type AccountHandler struct {
	store     *database.Store
	vault     *vault.Vault
	providers whatsapp.ProviderFactory
	sender    *outbound.Sender
}

func NewAccountHandler(store *database.Store, v *vault.Vault, providers whatsapp.ProviderFactory, sender *outbound.Sender) *AccountHandler {
	return &AccountHandler{store: store, vault: v, providers: providers, sender: sender}
}

type CreateAccountRequest struct {
	DisplayName           string `json:"display_name"`
	E164Number            string `json:"e164_number" binding:"required"`
	ProviderPhoneID       string `json:"provider_phone_id" binding:"required"`
	ProviderBusinessID    string `json:"provider_business_id"`
	VerifyToken           string `json:"verify_token" binding:"required"`
	AccessToken           string `json:"access_token" binding:"required"`
	AppSecret             string `json:"app_secret"`
	ResponsibleOperatorID string `json:"responsible_operator_id"`
}

// CreateAccount registers a phone number. Credentials arrive in plain
// text and are stored sealed.
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	e164 := whatsapp.NormalizeE164(req.E164Number)
	if e164 == "" {
		respondError(c, outbound.ErrInvalidNumber)
		return
	}

	acc := &models.Account{
		DisplayName:           req.DisplayName,
		E164Number:            e164,
		ProviderPhoneID:       strings.TrimSpace(req.ProviderPhoneID),
		ProviderBusinessID:    strings.TrimSpace(req.ProviderBusinessID),
		ResponsibleOperatorID: req.ResponsibleOperatorID,
		Status:                models.AccountActive,
		Active:                true,
	}
	var err error
	if acc.VerifyToken, err = h.vault.Encrypt(req.VerifyToken); err != nil {
		respondError(c, err)
		return
	}
	if acc.AccessToken, err = h.vault.Encrypt(req.AccessToken); err != nil {
		respondError(c, err)
		return
	}
	if req.AppSecret != "" {
		if acc.AppSecret, err = h.vault.Encrypt(req.AppSecret); err != nil {
			respondError(c, err)
			return
		}
	}

	if err := h.store.CreateAccount(c.Request.Context(), acc); err != nil {
		log.WithField("provider_phone_id", acc.ProviderPhoneID).WithError(err).Warn("[API] account not created")
		respondError(c, err)
		return
	}
	log.WithFields(log.Fields{"account_id": acc.ID, "operator": currentOperator(c).ID}).Info("[API] account created")
	c.JSON(http.StatusCreated, acc)
}

type RotateCredentialsRequest struct {
	VerifyToken *string `json:"verify_token"`
	AccessToken *string `json:"access_token"`
	AppSecret   *string `json:"app_secret"`
}

func (h *AccountHandler) RotateCredentials(c *gin.Context) {
	var req RotateCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	updates := map[string]interface{}{}
	for col, val := range map[string]*string{
		"verify_token": req.VerifyToken,
		"access_token": req.AccessToken,
		"app_secret":   req.AppSecret,
	} {
		if val == nil {
			continue
		}
		if *val == "" {
			updates[col] = ""
			continue
		}
		sealed, err := h.vault.Encrypt(*val)
		if err != nil {
			respondError(c, err)
			return
		}
		updates[col] = sealed
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no credentials given", "code": "bad_request"})
		return
	}

	accountID := c.Param("accountId")
	if err := h.store.UpdateAccount(c.Request.Context(), accountID, updates); err != nil {
		respondError(c, err)
		return
	}
	log.WithFields(log.Fields{"account_id": accountID, "operator": currentOperator(c).ID}).Info("[API] credentials rotated")
	c.JSON(http.StatusOK, gin.H{"status": "credentials rotated"})
}

// ListConversations accepts ?status=pending,assigned and ?limit=.
func (h *AccountHandler) ListConversations(c *gin.Context) {
	var statuses []string
	for _, s := range strings.Split(c.Query("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, s)
		}
	}
	convs, err := h.store.ListConversations(c.Request.Context(), c.Param("accountId"), statuses, queryInt(c, "limit", 100))
	if err != nil {
		respondError(c, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	c.JSON(http.StatusOK, convs)
}

func (h *AccountHandler) ListTemplates(c *gin.Context) {
	tpls, err := h.store.ListTemplates(c.Request.Context(), c.Param("accountId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if tpls == nil {
		tpls = []models.Template{}
	}
	c.JSON(http.StatusOK, tpls)
}

func (h *AccountHandler) RegisterTemplate(c *gin.Context) {
	var req templates.RegisterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	acc, err := h.store.GetAccount(c.Request.Context(), c.Param("accountId"))
	if err != nil {
		respondError(c, err)
		return
	}
	tpl, err := templates.Register(c.Request.Context(), h.store, h.providers, acc, req)
	if err != nil {
		if tpl != nil {
			status, code := classify(err)
			c.JSON(status, gin.H{"error": err.Error(), "code": code, "template": tpl})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

type InitiateRequest struct {
	ContactE164  string         `json:"contact_e164" binding:"required"`
	ContactName  string         `json:"contact_name"`
	TemplateCode string         `json:"template_code" binding:"required"`
	Language     string         `json:"language"`
	Variables    map[int]string `json:"variables"`
}

// Initiate opens a conversation with a number that has not written yet.
func (h *AccountHandler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	conv, msg, err := h.sender.Initiate(c.Request.Context(), outbound.InitiateInput{
		AccountID:    c.Param("accountId"),
		OperatorID:   currentOperator(c).ID,
		ContactE164:  req.ContactE164,
		ContactName:  req.ContactName,
		TemplateCode: req.TemplateCode,
		Language:     req.Language,
		Variables:    req.Variables,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv, "message": msg})
}
