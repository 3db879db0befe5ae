package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"whatsapp-inbox/internal/conversation"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/outbound"
)

// maxUpload bounds operator media uploads (the provider's document limit).
const maxUpload = 100 << 20

type ConversationHandler struct {
	store  *database.Store
	router *conversation.Router
	sender *outbound.Sender
}

func NewConversationHandler(store *database.Store, router *conversation.Router, sender *outbound.Sender) *ConversationHandler {
	return &ConversationHandler{store: store, router: router, sender: sender}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (h *ConversationHandler) ListMessages(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetConversation(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	msgs, err := h.store.ListMessages(c.Request.Context(), id, queryInt(c, "limit", 200))
	if err != nil {
		respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *ConversationHandler) Update(c *gin.Context) {
	var patch conversation.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	conv, err := h.router.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

type AssignRequest struct {
	OperatorID string `json:"operator_id"`
}

// Assign defaults to the calling operator.
func (h *ConversationHandler) Assign(c *gin.Context) {
	var req AssignRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(c, err)
			return
		}
	}
	if req.OperatorID == "" {
		req.OperatorID = currentOperator(c).ID
	}
	h.respondConversation(c)(h.router.Assign(c.Request.Context(), c.Param("id"), req.OperatorID))
}

func (h *ConversationHandler) Release(c *gin.Context) {
	h.respondConversation(c)(h.router.Release(c.Request.Context(), c.Param("id")))
}

func (h *ConversationHandler) Resolve(c *gin.Context) {
	h.respondConversation(c)(h.router.Resolve(c.Request.Context(), c.Param("id")))
}

func (h *ConversationHandler) Close(c *gin.Context) {
	h.respondConversation(c)(h.router.Close(c.Request.Context(), c.Param("id")))
}

func (h *ConversationHandler) respondConversation(c *gin.Context) func(*models.Conversation, error) {
	return func(conv *models.Conversation, err error) {
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, conv)
	}
}

func (h *ConversationHandler) Window(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetConversation(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	closes, err := h.router.WindowClosesAt(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	open, err := h.router.WithinWindow(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"within_window": open, "closes_at": closes})
}

type SendTextRequest struct {
	Body    string `json:"body" binding:"required"`
	ReplyTo string `json:"reply_to"`
}

func (h *ConversationHandler) SendText(c *gin.Context) {
	var req SendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := h.sender.SendText(c.Request.Context(), c.Param("id"), currentOperator(c).ID, req.Body, req.ReplyTo)
	respondSent(c, msg, err)
}

// SendMedia takes a multipart form with "file" and optional "caption".
func (h *ConversationHandler) SendMedia(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required", "code": "bad_request"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read file", "code": "bad_request"})
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	msg, err := h.sender.SendMedia(c.Request.Context(), c.Param("id"), currentOperator(c).ID, outbound.MediaInput{
		Data:     data,
		Mime:     mimeType,
		Filename: header.Filename,
		Caption:  c.PostForm("caption"),
	})
	respondSent(c, msg, err)
}

type SendTemplateRequest struct {
	TemplateCode string         `json:"template_code" binding:"required"`
	Language     string         `json:"language"`
	Variables    map[int]string `json:"variables"`
}

func (h *ConversationHandler) SendTemplate(c *gin.Context) {
	var req SendTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := h.sender.SendTemplate(c.Request.Context(), c.Param("id"), currentOperator(c).ID, req.TemplateCode, req.Language, req.Variables)
	respondSent(c, msg, err)
}

func (h *ConversationHandler) MarkRead(c *gin.Context) {
	if err := h.sender.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// respondSent reports a send. A provider refusal still returns the
// failed message row so the UI can offer resend.
func respondSent(c *gin.Context, msg *models.Message, err error) {
	if err != nil {
		status, code := classify(err)
		body := gin.H{"error": err.Error(), "code": code}
		if msg != nil {
			body["message"] = msg
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
