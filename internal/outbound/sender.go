package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"whatsapp-inbox/internal/conversation"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/storage"
	"whatsapp-inbox/internal/templates"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/ws"
)

var (
	ErrInvalidNumber    = errors.New("invalid phone number")
	ErrNotResendable    = errors.New("message cannot be resent")
	ErrEmptyMessage     = errors.New("message body is empty")
	ErrConversationDone = errors.New("conversation is no longer active")
)

// Sender delivers operator messages through the provider. Every send
// writes a sending row first, calls the provider outside any
// transaction and then settles the row as sent or failed.
type Sender struct {
	store     *database.Store
	providers whatsapp.ProviderFactory
	router    *conversation.Router
	hub       ws.Publisher
	objects   storage.ObjectStore

	Timeout time.Duration
	now     func() time.Time
}

func NewSender(store *database.Store, providers whatsapp.ProviderFactory, router *conversation.Router, hub ws.Publisher, objects storage.ObjectStore, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Sender{
		store:     store,
		providers: providers,
		router:    router,
		hub:       hub,
		objects:   objects,
		Timeout:   timeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// templateContext is kept in context_json of template messages so they
// can be resent.
type templateContext struct {
	Template  string         `json:"template"`
	Language  string         `json:"language"`
	Variables map[int]string `json:"variables,omitempty"`
}

// MediaInput is an operator upload to send as media.
type MediaInput struct {
	Data     []byte
	Mime     string
	Filename string
	Caption  string
}

// target loads the conversation, its contact and a provider for its account.
type target struct {
	conv     *models.Conversation
	contact  *models.Contact
	provider whatsapp.Provider
}

func (s *Sender) load(ctx context.Context, conversationID string) (*target, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	contact, err := s.store.GetContact(ctx, conv.ContactID)
	if err != nil {
		return nil, err
	}
	acc, err := s.store.GetAccount(ctx, conv.AccountID)
	if err != nil {
		return nil, err
	}
	p, err := s.providers.ForAccount(acc)
	if err != nil {
		return nil, err
	}
	return &target{conv: conv, contact: contact, provider: p}, nil
}

func (s *Sender) requireWindow(ctx context.Context, conv *models.Conversation) error {
	open, err := s.router.WithinWindow(ctx, conv.ID)
	if err != nil {
		return err
	}
	if !open {
		return whatsapp.ErrWindowClosed
	}
	return nil
}

func active(conv *models.Conversation) bool {
	for _, st := range models.ActiveConversationStatuses {
		if conv.Status == st {
			return true
		}
	}
	return false
}

// SendText sends free-form text; only allowed inside the service window.
func (s *Sender) SendText(ctx context.Context, conversationID, operatorID, body, replyToMessageID string) (*models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}
	t, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !active(t.conv) {
		return nil, ErrConversationDone
	}
	if err := s.requireWindow(ctx, t.conv); err != nil {
		return nil, err
	}

	msg := s.newOutbound(t, operatorID, models.KindText)
	msg.BodyText = body
	replyWamid := ""
	if replyToMessageID != "" {
		if ref, err := s.store.GetMessage(ctx, replyToMessageID); err == nil && ref.ConversationID == t.conv.ID {
			msg.ReplyToMessageID = &ref.ID
			if ref.ProviderMessageID != nil {
				replyWamid = *ref.ProviderMessageID
			}
		}
	}

	return s.deliver(ctx, t, msg, func(ctx context.Context) (string, error) {
		return t.provider.SendText(ctx, whatsapp.ProviderNumber(t.contact.E164Number), body, replyWamid)
	})
}

// SendMedia uploads the file to the provider and sends it by id. The
// bytes are also kept in the object store once the send succeeds.
func (s *Sender) SendMedia(ctx context.Context, conversationID, operatorID string, in MediaInput) (*models.Message, error) {
	if len(in.Data) == 0 {
		return nil, ErrEmptyMessage
	}
	t, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !active(t.conv) {
		return nil, ErrConversationDone
	}
	if err := s.requireWindow(ctx, t.conv); err != nil {
		return nil, err
	}

	kind := KindForMime(in.Mime)
	msg := s.newOutbound(t, operatorID, kind)
	msg.BodyText = in.Caption
	msg.MediaFilename = in.Filename
	msg.MediaMime = in.Mime

	sent, err := s.deliver(ctx, t, msg, func(ctx context.Context) (string, error) {
		mediaID, err := t.provider.UploadMedia(ctx, in.Data, in.Mime, in.Filename)
		if err != nil {
			return "", err
		}
		if err := s.store.SetMediaProviderID(ctx, msg.ID, mediaID); err != nil {
			log.WithError(err).WithField("message_id", msg.ID).Warn("[OUTBOUND] cannot record media id")
		}
		msg.MediaProviderID = mediaID
		return t.provider.SendMedia(ctx, whatsapp.ProviderNumber(t.contact.E164Number), whatsapp.OutboundMedia{
			Kind:     kind,
			ID:       mediaID,
			Caption:  in.Caption,
			Filename: in.Filename,
		})
	})
	if err != nil {
		return sent, err
	}
	s.keepMedia(ctx, sent, in.Data)
	return sent, nil
}

func (s *Sender) keepMedia(ctx context.Context, msg *models.Message, data []byte) {
	if s.objects == nil || msg.ProviderMessageID == nil {
		return
	}
	ts := s.now()
	if msg.ProviderTimestamp != nil {
		ts = *msg.ProviderTimestamp
	}
	key := storage.MediaKey(msg.Kind, ts, *msg.ProviderMessageID, storage.Extension(msg.MediaMime, msg.MediaFilename))
	if err := s.objects.Put(ctx, key, data, msg.MediaMime); err != nil {
		log.WithError(err).WithField("message_id", msg.ID).Warn("[OUTBOUND] cannot keep sent media")
		return
	}
	if err := s.store.SetMediaStored(ctx, msg.ID, key, "", msg.MediaMime); err != nil {
		log.WithError(err).WithField("message_id", msg.ID).Warn("[OUTBOUND] cannot record sent media")
		return
	}
	msg.MediaRef = key
}

// KindForMime picks the provider media type for an upload.
func KindForMime(mimeType string) string {
	switch {
	case mimeType == "image/webp":
		return models.KindSticker
	case strings.HasPrefix(mimeType, "image/"):
		return models.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return models.KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return models.KindAudio
	default:
		return models.KindDocument
	}
}

// SendTemplate sends an approved template on an existing conversation.
// It is allowed outside the service window.
func (s *Sender) SendTemplate(ctx context.Context, conversationID, operatorID, codeName, language string, vars map[int]string) (*models.Message, error) {
	t, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !active(t.conv) {
		return nil, ErrConversationDone
	}
	tpl, err := s.approvedTemplate(ctx, t.conv.AccountID, codeName, language)
	if err != nil {
		return nil, err
	}
	components, err := templates.BuildComponents(tpl, vars)
	if err != nil {
		return nil, err
	}

	msg := s.newOutbound(t, operatorID, models.KindTemplate)
	msg.BodyText = templates.Render(tpl, vars)
	msg.ContextJSON = templateJSON(tpl, vars)
	return s.deliver(ctx, t, msg, func(ctx context.Context) (string, error) {
		return t.provider.SendTemplate(ctx, whatsapp.ProviderNumber(t.contact.E164Number), tpl.CodeName, tpl.Language, components)
	})
}

func templateJSON(tpl *models.Template, vars map[int]string) datatypes.JSON {
	b, _ := json.Marshal(templateContext{Template: tpl.CodeName, Language: tpl.Language, Variables: vars})
	return datatypes.JSON(b)
}

// approvedTemplate fails with ErrTemplateNotApproved unless the template
// exists, is approved and is active.
func (s *Sender) approvedTemplate(ctx context.Context, accountID, codeName, language string) (*models.Template, error) {
	tpl, err := s.store.FindTemplate(ctx, accountID, codeName, language)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", whatsapp.ErrTemplateNotApproved, codeName)
	}
	if err != nil {
		return nil, err
	}
	if tpl.Status != models.TemplateApproved || !tpl.Active {
		return nil, fmt.Errorf("%w: %s is %s", whatsapp.ErrTemplateNotApproved, codeName, tpl.Status)
	}
	return tpl, nil
}

// Resend retries a failed or stuck outbound message on the same row. A
// sending row counts as stuck once it is older than the send timeout.
func (s *Sender) Resend(ctx context.Context, messageID, operatorID string) (*models.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Direction != models.DirectionOutbound || (msg.Status != models.MessageFailed && msg.Status != models.MessageSending) {
		return nil, fmt.Errorf("%w: message is %s", ErrNotResendable, msg.Status)
	}
	stuckBefore := s.now().Add(-s.Timeout)
	if msg.Status == models.MessageSending && msg.UpdatedAt.After(stuckBefore) {
		return nil, fmt.Errorf("%w: send still in flight", ErrNotResendable)
	}
	t, err := s.load(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	to := whatsapp.ProviderNumber(t.contact.E164Number)
	var call func(ctx context.Context) (string, error)
	switch msg.Kind {
	case models.KindText:
		if err := s.requireWindow(ctx, t.conv); err != nil {
			return nil, err
		}
		replyWamid := ""
		if msg.ReplyToMessageID != nil {
			if ref, err := s.store.GetMessage(ctx, *msg.ReplyToMessageID); err == nil && ref.ProviderMessageID != nil {
				replyWamid = *ref.ProviderMessageID
			}
		}
		call = func(ctx context.Context) (string, error) {
			return t.provider.SendText(ctx, to, msg.BodyText, replyWamid)
		}
	case models.KindTemplate:
		var tc templateContext
		if err := json.Unmarshal(msg.ContextJSON, &tc); err != nil || tc.Template == "" {
			return nil, fmt.Errorf("%w: template details missing", ErrNotResendable)
		}
		tpl, err := s.approvedTemplate(ctx, msg.AccountID, tc.Template, tc.Language)
		if err != nil {
			return nil, err
		}
		components, err := templates.BuildComponents(tpl, tc.Variables)
		if err != nil {
			return nil, err
		}
		call = func(ctx context.Context) (string, error) {
			return t.provider.SendTemplate(ctx, to, tpl.CodeName, tpl.Language, components)
		}
	default:
		if msg.MediaProviderID == "" {
			return nil, fmt.Errorf("%w: upload never reached the provider", ErrNotResendable)
		}
		if err := s.requireWindow(ctx, t.conv); err != nil {
			return nil, err
		}
		call = func(ctx context.Context) (string, error) {
			return t.provider.SendMedia(ctx, to, whatsapp.OutboundMedia{
				Kind: msg.Kind, ID: msg.MediaProviderID, Caption: msg.BodyText, Filename: msg.MediaFilename,
			})
		}
	}

	ok, err := s.store.MarkSending(ctx, msg.ID, stuckBefore)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: message changed concurrently", ErrNotResendable)
	}
	log.WithFields(log.Fields{"message_id": msg.ID, "operator": operatorID}).Info("[OUTBOUND] resending")
	return s.settle(ctx, t, msg.ID, operatorID, call)
}

// MarkRead tells the provider the newest inbound message was read.
func (s *Sender) MarkRead(ctx context.Context, conversationID string) error {
	t, err := s.load(ctx, conversationID)
	if err != nil {
		return err
	}
	last, err := s.store.LatestInboundMessage(ctx, conversationID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if last.ProviderMessageID == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	return t.provider.MarkRead(ctx, *last.ProviderMessageID)
}

func (s *Sender) newOutbound(t *target, operatorID, kind string) *models.Message {
	msg := &models.Message{
		AccountID:      t.conv.AccountID,
		ContactID:      t.conv.ContactID,
		ConversationID: t.conv.ID,
		Direction:      models.DirectionOutbound,
		Kind:           kind,
		Status:         models.MessageSending,
	}
	if operatorID != "" {
		msg.SentByOperatorID = &operatorID
	}
	return msg
}

// deliver persists msg as sending and settles it with the outcome of call.
func (s *Sender) deliver(ctx context.Context, t *target, msg *models.Message, call func(ctx context.Context) (string, error)) (*models.Message, error) {
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("store outbound message: %w", err)
	}
	operatorID := ""
	if msg.SentByOperatorID != nil {
		operatorID = *msg.SentByOperatorID
	}
	return s.settle(ctx, t, msg.ID, operatorID, call)
}

func (s *Sender) settle(ctx context.Context, t *target, messageID, operatorID string, call func(ctx context.Context) (string, error)) (*models.Message, error) {
	fields := log.Fields{"message_id": messageID, "conversation_id": t.conv.ID}

	callCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	wamid, sendErr := call(callCtx)
	cancel()

	// The row must settle even when the request was cancelled mid-call.
	dbCtx := context.WithoutCancel(ctx)
	if sendErr != nil {
		log.WithFields(fields).WithError(sendErr).Warn("[OUTBOUND] send failed")
		if err := s.store.MarkFailed(dbCtx, messageID, sendErr.Error()); err != nil {
			log.WithFields(fields).WithError(err).Error("[OUTBOUND] cannot mark message failed")
		}
		if msg, err := s.store.GetMessage(dbCtx, messageID); err == nil {
			s.publish(t.conv, msg)
			return msg, sendErr
		}
		return nil, sendErr
	}

	now := s.now()
	if err := s.store.MarkSent(dbCtx, messageID, wamid, now); err != nil {
		return nil, fmt.Errorf("record sent message: %w", err)
	}
	if err := s.store.TouchConversation(dbCtx, t.conv.ID, now); err != nil {
		log.WithFields(fields).WithError(err).Warn("[OUTBOUND] cannot touch conversation")
	}
	if operatorID != "" {
		if _, err := s.router.Engage(dbCtx, t.conv.ID, operatorID); err != nil {
			log.WithFields(fields).WithError(err).Warn("[OUTBOUND] cannot move conversation to in_progress")
		}
	}
	msg, err := s.store.GetMessage(dbCtx, messageID)
	if err != nil {
		return nil, err
	}
	log.WithFields(fields).WithField("wamid", wamid).Info("[OUTBOUND] message sent")
	s.publish(t.conv, msg)
	return msg, nil
}

func (s *Sender) publish(conv *models.Conversation, msg *models.Message) {
	s.hub.Publish(ws.AccountRoom(conv.AccountID), ws.EventMessageSent, msg)
	s.hub.Publish(ws.ConversationRoom(conv.ID), ws.EventMessageSent, msg)
}
