package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/templates"
	"whatsapp-inbox/internal/ws"
	wire "whatsapp-inbox/pkg/models"
)

// MediaScheduler queues a media download for a stored message.
type MediaScheduler interface {
	Schedule(messageID string)
}

// Processor applies one envelope to the data store.
type Processor struct {
	store *database.Store
	hub   ws.Publisher
	media MediaScheduler
}

func NewProcessor(store *database.Store, hub ws.Publisher, media MediaScheduler) *Processor {
	return &Processor{store: store, hub: hub, media: media}
}

// Process applies every item of env. Items are independent: a failing
// item is logged and reported in the joined error while the rest are
// still applied. Reprocessing an envelope is a no-op.
func (p *Processor) Process(ctx context.Context, env *models.WebhookEnvelope) error {
	batch, err := Parse(env.RawPayload)
	if err != nil {
		return err
	}
	fields := log.Fields{"envelope_id": env.ID, "account_id": env.AccountID}

	var errs []error
	for i := range batch.Messages {
		in := &batch.Messages[i]
		if err := p.HandleInbound(ctx, env.AccountID, in); err != nil {
			log.WithFields(fields).WithField("wamid", in.Message.ID).WithError(err).Error("[INGEST] inbound message failed")
			errs = append(errs, fmt.Errorf("message %s: %w", in.Message.ID, err))
		}
	}
	for i := range batch.Statuses {
		st := &batch.Statuses[i]
		if err := p.HandleStatus(ctx, st); err != nil {
			log.WithFields(fields).WithField("wamid", st.ID).WithError(err).Error("[INGEST] status update failed")
			errs = append(errs, fmt.Errorf("status %s: %w", st.ID, err))
		}
	}
	for _, tu := range batch.Templates {
		if err := templates.ApplyWebhookUpdate(ctx, p.store, env.AccountID, tu.ProviderTemplateID, tu.Event, tu.Reason); err != nil {
			log.WithFields(fields).WithField("provider_template_id", tu.ProviderTemplateID).WithError(err).Error("[INGEST] template update failed")
			errs = append(errs, fmt.Errorf("template %s: %w", tu.ProviderTemplateID, err))
		}
	}
	return errors.Join(errs...)
}

// HandleInbound stores one inbound message and announces it.
func (p *Processor) HandleInbound(ctx context.Context, accountID string, in *Inbound) error {
	m := &in.Message
	if m.ID == "" {
		return errors.New("message without id")
	}
	ts := Timestamp(m.Timestamp)
	content := Extract(m)

	var (
		msg     *models.Message
		conv    *models.Conversation
		contact *models.Contact
		created bool
		isNew   bool
	)
	err := p.store.Transaction(ctx, func(tx *database.Store) error {
		var err error
		contact, err = tx.UpsertContact(ctx, database.ContactInput{
			AccountID:   accountID,
			E164:        SenderE164(m.From),
			ProfileName: in.ProfileName,
			SeenAt:      &ts,
		})
		if err != nil {
			return fmt.Errorf("upsert contact: %w", err)
		}

		conv, created, err = tx.OpenConversation(ctx, &models.Conversation{
			AccountID:      accountID,
			ContactID:      contact.ID,
			Status:         models.ConversationPending,
			FirstMessageAt: &ts,
			LastActivityAt: &ts,
			Priority:       models.PriorityMedium,
		})
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}

		wamid := m.ID
		msg = &models.Message{
			ProviderMessageID: &wamid,
			AccountID:         accountID,
			ContactID:         contact.ID,
			ConversationID:    conv.ID,
			Direction:         models.DirectionInbound,
			Kind:              content.Kind,
			BodyText:          content.Body,
			MediaProviderID:   content.MediaID,
			MediaFilename:     content.Filename,
			MediaMime:         content.Mime,
			Status:            models.MessageDelivered,
			ProviderTimestamp: &ts,
			DeliveredAt:       &ts,
		}
		if err := p.attachContext(ctx, tx, msg, m); err != nil {
			return err
		}

		isNew, err = tx.InsertMessageIfNew(ctx, msg)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if !isNew {
			// A retransmission: undo any contact or conversation
			// side effects of this attempt.
			return errDuplicate
		}
		return tx.TouchConversation(ctx, conv.ID, ts)
	})
	if errors.Is(err, errDuplicate) {
		log.WithField("wamid", m.ID).Debug("[INGEST] duplicate message ignored")
		return nil
	}
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"account_id":      accountID,
		"conversation_id": conv.ID,
		"wamid":           m.ID,
		"kind":            msg.Kind,
	}).Info("[INGEST] message received")

	if msg.HasMedia() && p.media != nil {
		p.media.Schedule(msg.ID)
	}

	if created {
		pending, err := p.store.CountPendingConversations(ctx, accountID)
		if err != nil {
			log.WithError(err).Warn("[INGEST] cannot count pending conversations")
		}
		p.hub.Publish(ws.AccountRoom(accountID), ws.EventConversationNew, ws.ConversationNew{
			Conversation: conv,
			Contact:      contact,
			Message:      msg,
			PendingCount: pending,
		})
		return nil
	}
	p.hub.Publish(ws.AccountRoom(accountID), ws.EventMessageReceived, msg)
	p.hub.Publish(ws.ConversationRoom(conv.ID), ws.EventMessageReceived, msg)
	return nil
}

var errDuplicate = errors.New("duplicate message")

// attachContext links replies and reactions to the referenced message.
func (p *Processor) attachContext(ctx context.Context, tx *database.Store, msg *models.Message, m *wire.Message) error {
	var ref string
	var raw interface{}
	switch {
	case m.Context != nil && m.Context.ID != "":
		ref, raw = m.Context.ID, m.Context
	case m.Reaction != nil && m.Reaction.MessageID != "":
		ref, raw = m.Reaction.MessageID, m.Reaction
	default:
		return nil
	}
	if b, err := json.Marshal(raw); err == nil {
		msg.ContextJSON = datatypes.JSON(b)
	}
	target, err := tx.GetMessageByProviderID(ctx, ref)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve reply target: %w", err)
	}
	msg.ReplyToMessageID = &target.ID
	return nil
}

// HandleStatus applies one delivery status to the stored message.
func (p *Processor) HandleStatus(ctx context.Context, st *wire.Status) error {
	to := strings.ToLower(st.Status)
	switch to {
	case models.MessageSent, models.MessageDelivered, models.MessageRead, models.MessageFailed:
	default:
		log.WithField("wamid", st.ID).Debugf("[INGEST] ignoring status %q", st.Status)
		return nil
	}

	msg, err := p.store.GetMessageByProviderID(ctx, st.ID)
	if errors.Is(err, database.ErrNotFound) {
		log.WithField("wamid", st.ID).Info("[INGEST] status for unknown message skipped")
		return nil
	}
	if err != nil {
		return err
	}

	var errText string
	if to == models.MessageFailed {
		var titles []string
		for _, e := range st.Errors {
			t := e.Title
			if e.Message != "" && e.Message != e.Title {
				t += ": " + e.Message
			}
			titles = append(titles, fmt.Sprintf("%s (%d)", t, e.Code))
		}
		errText = strings.Join(titles, "; ")
		if errText == "" {
			errText = "provider reported failure"
		}
	}

	old := msg.Status
	changed, err := p.store.ApplyStatus(ctx, msg, to, Timestamp(st.Timestamp), errText)
	if err != nil {
		return err
	}
	if !changed {
		log.WithFields(log.Fields{"wamid": st.ID, "status": msg.Status}).Debugf("[INGEST] stale status %s ignored", to)
		return nil
	}

	update := ws.StatusUpdate{
		MessageID:         msg.ID,
		ConversationID:    msg.ConversationID,
		ProviderMessageID: st.ID,
		OldStatus:         old,
		NewStatus:         msg.Status,
		DeliveredAt:       msg.DeliveredAt,
		ReadAt:            msg.ReadAt,
		ErrorText:         msg.ErrorText,
	}
	p.hub.Publish(ws.AccountRoom(msg.AccountID), ws.EventMessageStatusUpdate, update)
	p.hub.Publish(ws.ConversationRoom(msg.ConversationID), ws.EventMessageStatusUpdate, update)
	return nil
}
