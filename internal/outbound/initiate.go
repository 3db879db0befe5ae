package outbound

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/templates"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/ws"
)

// InitiateInput opens contact with a number through an approved template.
type InitiateInput struct {
	AccountID    string
	OperatorID   string
	ContactE164  string
	ContactName  string
	TemplateCode string
	Language     string
	Variables    map[int]string
}

// Initiate sends the template first and only then persists the contact,
// an assigned conversation and the template message in one transaction.
// When the provider refuses, nothing is stored.
func (s *Sender) Initiate(ctx context.Context, in InitiateInput) (*models.Conversation, *models.Message, error) {
	tpl, err := s.approvedTemplate(ctx, in.AccountID, in.TemplateCode, in.Language)
	if err != nil {
		return nil, nil, err
	}
	e164 := whatsapp.NormalizeE164(in.ContactE164)
	if e164 == "" {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidNumber, in.ContactE164)
	}
	components, err := templates.BuildComponents(tpl, in.Variables)
	if err != nil {
		return nil, nil, err
	}
	acc, err := s.store.GetAccount(ctx, in.AccountID)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.providers.ForAccount(acc)
	if err != nil {
		return nil, nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	wamid, err := p.SendTemplate(callCtx, whatsapp.ProviderNumber(e164), tpl.CodeName, tpl.Language, components)
	cancel()
	if err != nil {
		log.WithFields(log.Fields{"account_id": in.AccountID, "template": tpl.CodeName}).WithError(err).Warn("[OUTBOUND] first contact refused")
		return nil, nil, err
	}

	now := s.now()
	dbCtx := context.WithoutCancel(ctx)
	var (
		conv    *models.Conversation
		contact *models.Contact
		created bool
		msg     *models.Message
	)
	err = s.store.Transaction(dbCtx, func(tx *database.Store) error {
		var err error
		contact, err = tx.UpsertContact(dbCtx, database.ContactInput{
			AccountID:   in.AccountID,
			E164:        e164,
			DisplayName: in.ContactName,
			ReplaceName: true,
		})
		if err != nil {
			return err
		}

		operator := in.OperatorID
		conv, created, err = tx.OpenConversation(dbCtx, &models.Conversation{
			AccountID:          in.AccountID,
			ContactID:          contact.ID,
			Status:             models.ConversationAssigned,
			AssignedOperatorID: &operator,
			FirstMessageAt:     &now,
			AssignedAt:         &now,
			LastActivityAt:     &now,
			Priority:           models.PriorityMedium,
		})
		if err != nil {
			return err
		}
		if !created && conv.Status == models.ConversationPending {
			if _, err := tx.TransitionConversation(dbCtx, conv.ID, []string{models.ConversationPending}, map[string]interface{}{
				"status":               models.ConversationAssigned,
				"assigned_operator_id": operator,
				"assigned_at":          now,
			}); err != nil {
				return err
			}
			conv.Status = models.ConversationAssigned
			conv.AssignedOperatorID = &operator
			conv.AssignedAt = &now
		}

		msg = &models.Message{
			ProviderMessageID: &wamid,
			AccountID:         in.AccountID,
			ContactID:         contact.ID,
			ConversationID:    conv.ID,
			Direction:         models.DirectionOutbound,
			Kind:              models.KindTemplate,
			BodyText:          templates.Render(tpl, in.Variables),
			ContextJSON:       templateJSON(tpl, in.Variables),
			Status:            models.MessageSent,
			ProviderTimestamp: &now,
			SentByOperatorID:  &operator,
		}
		if err := tx.CreateMessage(dbCtx, msg); err != nil {
			return err
		}
		return tx.TouchConversation(dbCtx, conv.ID, now)
	})
	if err != nil {
		// The provider already accepted the message.
		log.WithFields(log.Fields{"account_id": in.AccountID, "wamid": wamid}).WithError(err).Error("[OUTBOUND] template sent but not recorded")
		return nil, nil, fmt.Errorf("record first contact: %w", err)
	}

	log.WithFields(log.Fields{
		"account_id":      in.AccountID,
		"conversation_id": conv.ID,
		"operator":        in.OperatorID,
		"wamid":           wamid,
	}).Info("[OUTBOUND] first contact opened")

	if created {
		pending, err := s.store.CountPendingConversations(dbCtx, in.AccountID)
		if err != nil {
			log.WithError(err).Warn("[OUTBOUND] cannot count pending conversations")
		}
		s.hub.Publish(ws.AccountRoom(in.AccountID), ws.EventConversationNew, ws.ConversationNew{
			Conversation: conv,
			Contact:      contact,
			Message:      msg,
			PendingCount: pending,
		})
	} else {
		s.hub.Publish(ws.AccountRoom(in.AccountID), ws.EventConversationAssigned, conv)
	}
	s.publish(conv, msg)
	return conv, msg, nil
}
