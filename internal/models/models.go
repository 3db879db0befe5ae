package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account is one business phone-number registration at the provider.
// Credential columns hold vault ciphertexts.
type Account struct {
	ID                    string    `gorm:"primaryKey;type:varchar(36)" json:"account_id"`
	DisplayName           string    `gorm:"type:varchar(255)" json:"display_name"`
	E164Number            string    `gorm:"type:varchar(32);index" json:"e164_number"`
	ProviderPhoneID       string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"provider_phone_id"`
	ProviderBusinessID    string    `gorm:"type:varchar(64)" json:"provider_business_id"`
	VerifyToken           string    `gorm:"type:text" json:"-"`
	AccessToken           string    `gorm:"type:text" json:"-"`
	AppSecret             string    `gorm:"type:text" json:"-"`
	Status                string    `gorm:"type:varchar(20);default:'pending'" json:"status"`
	Active                bool      `gorm:"default:false" json:"active"`
	ResponsibleOperatorID string    `gorm:"type:varchar(64)" json:"responsible_operator_id"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

// Contact is a remote phone number known to an Account.
type Contact struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)" json:"contact_id"`
	AccountID   string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_contact_account_number" json:"account_id"`
	E164Number  string     `gorm:"type:varchar(32);not null;uniqueIndex:idx_contact_account_number" json:"e164_number"`
	DisplayName string     `gorm:"type:varchar(255)" json:"display_name"`
	ProfileName string     `gorm:"type:varchar(255)" json:"profile_name"`
	IsBusiness  bool       `gorm:"default:false" json:"is_business"`
	IsBlocked   bool       `gorm:"default:false" json:"is_blocked"`
	LastSeenAt  *time.Time `json:"last_seen_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

// Conversation groups messages between one Account and one Contact
// during an active lifecycle.
type Conversation struct {
	ID                 string                      `gorm:"primaryKey;type:varchar(36)" json:"conversation_id"`
	AccountID          string                      `gorm:"type:varchar(36);not null;index" json:"account_id"`
	ContactID          string                      `gorm:"type:varchar(36);not null;index" json:"contact_id"`
	Status             string                      `gorm:"type:varchar(20);not null;index" json:"status"`
	AssignedOperatorID *string                     `gorm:"type:varchar(64);index" json:"assigned_operator_id"`
	FirstMessageAt     *time.Time                  `json:"first_message_at"`
	AssignedAt         *time.Time                  `json:"assigned_at"`
	LastActivityAt     *time.Time                  `gorm:"index" json:"last_activity_at"`
	ResolvedAt         *time.Time                  `json:"resolved_at"`
	Priority           string                      `gorm:"type:varchar(10);default:'medium'" json:"priority"`
	Tags               datatypes.JSONSlice[string] `json:"tags"`
	Notes              string                      `gorm:"type:text" json:"notes"`
	FollowUpDate       *time.Time                  `json:"follow_up_date"`
	CreatedAt          time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message is a single inbound or outbound message event. Rows are
// append-only apart from status, media fields and error text.
type Message struct {
	ID                string         `gorm:"primaryKey;type:varchar(36)" json:"message_id"`
	ProviderMessageID *string        `gorm:"type:varchar(128);uniqueIndex" json:"provider_message_id"`
	AccountID         string         `gorm:"type:varchar(36);not null;index" json:"account_id"`
	ContactID         string         `gorm:"type:varchar(36);not null;index" json:"contact_id"`
	ConversationID    string         `gorm:"type:varchar(36);not null;index" json:"conversation_id"`
	Direction         string         `gorm:"type:varchar(10);not null" json:"direction"`
	Kind              string         `gorm:"type:varchar(20);not null" json:"kind"`
	BodyText          string         `gorm:"type:text" json:"body_text"`
	MediaProviderID   string         `gorm:"type:varchar(128)" json:"media_provider_id,omitempty"`
	MediaRef          string         `gorm:"type:text" json:"media_ref,omitempty"`
	MediaOriginalURL  *string        `gorm:"type:text" json:"media_original_url"`
	MediaFilename     string         `gorm:"type:varchar(255)" json:"media_filename,omitempty"`
	MediaMime         string         `gorm:"type:varchar(100)" json:"media_mime,omitempty"`
	Status            string         `gorm:"type:varchar(20);not null" json:"status"`
	ProviderTimestamp *time.Time     `gorm:"index" json:"provider_timestamp"`
	DeliveredAt       *time.Time     `json:"delivered_at"`
	ReadAt            *time.Time     `json:"read_at"`
	ReplyToMessageID  *string        `gorm:"type:varchar(36)" json:"reply_to_message_id"`
	ContextJSON       datatypes.JSON `json:"context_json,omitempty"`
	SentByOperatorID  *string        `gorm:"type:varchar(64)" json:"sent_by_operator_id"`
	ErrorText         string         `gorm:"type:text" json:"error_text,omitempty"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}

// HasMedia reports whether the message carries provider media to fetch.
func (m *Message) HasMedia() bool {
	return m.MediaProviderID != ""
}

// Template is the local copy of a provider message template.
type Template struct {
	ID                 string         `gorm:"primaryKey;type:varchar(36)" json:"template_id"`
	AccountID          string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_template_code_lang" json:"account_id"`
	CodeName           string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_template_code_lang" json:"code_name"`
	Language           string         `gorm:"type:varchar(20);not null;uniqueIndex:idx_template_code_lang" json:"language"`
	DisplayName        string         `gorm:"type:varchar(255)" json:"display_name"`
	Category           string         `gorm:"type:varchar(50)" json:"category"`
	HeaderText         string         `gorm:"type:text" json:"header_text"`
	BodyText           string         `gorm:"type:text" json:"body_text"`
	FooterText         string         `gorm:"type:text" json:"footer_text"`
	VariablesCount     int            `json:"variables_count"`
	Status             string         `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	ProviderTemplateID string         `gorm:"type:varchar(64)" json:"provider_template_id"`
	RejectionReason    string         `gorm:"type:text" json:"rejection_reason"`
	SampleVarsJSON     datatypes.JSON `json:"sample_vars_json,omitempty"`
	Active             bool           `gorm:"default:true" json:"active"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Template) TableName() string {
	return "templates"
}

// WebhookEnvelope is a raw provider webhook body kept for at-least-once
// processing.
type WebhookEnvelope struct {
	ID           string         `gorm:"primaryKey;type:varchar(36)" json:"envelope_id"`
	AccountID    string         `gorm:"type:varchar(36);not null;index" json:"account_id"`
	RawPayload   datatypes.JSON `gorm:"not null" json:"raw_payload"`
	State        string         `gorm:"type:varchar(20);not null;index:idx_envelope_state_received" json:"state"`
	Attempts     int            `gorm:"default:0" json:"attempts"`
	LeaseVersion int            `gorm:"default:0" json:"-"`
	ClaimedAt    *time.Time     `json:"claimed_at"`
	ErrorText    string         `gorm:"type:text" json:"error_text"`
	ReceivedAt   time.Time      `gorm:"not null;index:idx_envelope_state_received" json:"received_at"`
	ProcessedAt  *time.Time     `json:"processed_at"`
}

func (WebhookEnvelope) TableName() string {
	return "webhook_envelopes"
}

// All lists every model for AutoMigrate and data copies.
func All() []interface{} {
	return []interface{}{
		&Account{},
		&Contact{},
		&Conversation{},
		&Message{},
		&Template{},
		&WebhookEnvelope{},
	}
}

func newID() string {
	return uuid.NewString()
}

func (a *Account) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = newID()
	}
	return nil
}

func (c *Contact) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = newID()
	}
	return nil
}

func (c *Conversation) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = newID()
	}
	return nil
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = newID()
	}
	return nil
}

func (t *Template) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return nil
}

func (e *WebhookEnvelope) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = newID()
	}
	return nil
}
