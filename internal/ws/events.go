package ws

import (
	"time"

	"whatsapp-inbox/internal/models"
)

// ConversationNew is the payload of conversation_new.
type ConversationNew struct {
	Conversation *models.Conversation `json:"conversation"`
	Contact      *models.Contact      `json:"contact,omitempty"`
	Message      *models.Message      `json:"message,omitempty"`
	PendingCount int64                `json:"pending_count"`
}

// StatusUpdate is the payload of message_status_update.
type StatusUpdate struct {
	MessageID         string     `json:"message_id"`
	ConversationID    string     `json:"conversation_id"`
	ProviderMessageID string     `json:"provider_message_id"`
	OldStatus         string     `json:"old_status"`
	NewStatus         string     `json:"new_status"`
	DeliveredAt       *time.Time `json:"delivered_at"`
	ReadAt            *time.Time `json:"read_at"`
	ErrorText         string     `json:"error_text,omitempty"`
}

// Typing is the payload of typing_status.
type Typing struct {
	ConversationID string `json:"conversation_id"`
	ContactID      string `json:"contact_id"`
	IsTyping       bool   `json:"is_typing"`
	Operator       string `json:"operator"`
}
