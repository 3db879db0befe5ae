package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
	wire "whatsapp-inbox/pkg/models"
)

// Inbound is one received message with the sender profile delivered
// alongside it.
type Inbound struct {
	Message     wire.Message
	ProfileName string
}

// TemplateUpdate is a message_template_status_update change.
type TemplateUpdate struct {
	ProviderTemplateID string
	Name               string
	Language           string
	Event              string
	Reason             string
}

// Batch is a webhook payload split into independently processed items.
type Batch struct {
	Messages  []Inbound
	Statuses  []wire.Status
	Templates []TemplateUpdate
}

func (b *Batch) Empty() bool {
	return len(b.Messages) == 0 && len(b.Statuses) == 0 && len(b.Templates) == 0
}

// Parse decodes a raw webhook body.
func Parse(raw []byte) (*Batch, error) {
	var payload wire.WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	return Split(&payload), nil
}

// Split flattens entry[].changes[] into a Batch.
func Split(payload *wire.WebhookPayload) *Batch {
	b := &Batch{}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if change.Field == "message_template_status_update" {
				b.Templates = append(b.Templates, TemplateUpdate{
					ProviderTemplateID: strconv.FormatInt(v.MessageTemplateID, 10),
					Name:               v.MessageTemplateName,
					Language:           v.MessageTemplateLanguage,
					Event:              v.Event,
					Reason:             v.Reason,
				})
				continue
			}

			profiles := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				profiles[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				b.Messages = append(b.Messages, Inbound{Message: m, ProfileName: profiles[m.From]})
			}
			b.Statuses = append(b.Statuses, v.Statuses...)
		}
	}
	return b
}

// Content is the kind-specific part of an inbound message.
type Content struct {
	Kind     string
	Body     string
	MediaID  string
	Filename string
	Mime     string
}

// Extract maps a provider message onto a message kind and body.
func Extract(m *wire.Message) Content {
	media := func(kind string, mm *wire.MediaMessage, body string) Content {
		return Content{Kind: kind, Body: body, MediaID: mm.ID, Filename: mm.Filename, Mime: mm.MimeType}
	}

	switch m.Type {
	case "text":
		if m.Text != nil {
			return Content{Kind: models.KindText, Body: m.Text.Body}
		}
	case "image":
		if m.Image != nil {
			return media(models.KindImage, m.Image, m.Image.Caption)
		}
	case "video":
		if m.Video != nil {
			return media(models.KindVideo, m.Video, m.Video.Caption)
		}
	case "document":
		if m.Document != nil {
			body := m.Document.Caption
			if body == "" {
				body = m.Document.Filename
			}
			return media(models.KindDocument, m.Document, body)
		}
	case "audio":
		if m.Audio != nil {
			return media(models.KindAudio, m.Audio, "")
		}
	case "sticker":
		if m.Sticker != nil {
			return media(models.KindSticker, m.Sticker, "")
		}
	case "location":
		if m.Location != nil {
			body := fmt.Sprintf("Lat: %v, Lng: %v", m.Location.Latitude, m.Location.Longitude)
			if m.Location.Name != "" {
				body = m.Location.Name + " - " + body
			}
			return Content{Kind: models.KindLocation, Body: body}
		}
	case "contacts":
		if len(m.Contacts) > 0 {
			return Content{Kind: models.KindContacts, Body: string(m.Contacts)}
		}
	case "interactive":
		if m.Interactive != nil {
			switch {
			case m.Interactive.ButtonReply != nil:
				return Content{Kind: models.KindInteractive, Body: m.Interactive.ButtonReply.Title}
			case m.Interactive.ListReply != nil:
				return Content{Kind: models.KindInteractive, Body: m.Interactive.ListReply.Title}
			}
		}
	case "button":
		if m.Button != nil {
			return Content{Kind: models.KindInteractive, Body: m.Button.Text}
		}
	case "reaction":
		if m.Reaction != nil {
			return Content{Kind: models.KindSystem, Body: "reaction: " + m.Reaction.Emoji}
		}
	}
	return Content{Kind: models.KindSystem, Body: "[" + m.Type + "]"}
}

// Timestamp parses the provider's unix-seconds string.
func Timestamp(s string) time.Time {
	sec, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

// SenderE164 normalizes the wa_id of a sender, keeping the raw digits
// when they do not look like a phone number.
func SenderE164(from string) string {
	if n := whatsapp.NormalizeE164(from); n != "" {
		return n
	}
	return "+" + strings.TrimPrefix(strings.TrimSpace(from), "+")
}
