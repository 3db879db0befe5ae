package database

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"whatsapp-inbox/internal/models"
)

// InsertMessageIfNew inserts msg unless a row with the same provider
// message id exists. It reports whether the row was new.
func (s *Store) InsertMessageIfNew(ctx context.Context, msg *models.Message) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_message_id"}},
		DoNothing: true,
	}).Create(msg)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) error {
	return s.db.WithContext(ctx).Create(msg).Error
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

func (s *Store) GetMessageByProviderID(ctx context.Context, providerMessageID string) (*models.Message, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, "provider_message_id = ?", providerMessageID).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// ListMessages returns a conversation's messages in display order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("COALESCE(provider_timestamp, created_at) ASC").
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// LatestInboundMessage returns the newest inbound message of a
// conversation by provider timestamp.
func (s *Store) LatestInboundMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND direction = ? AND provider_timestamp IS NOT NULL", conversationID, models.DirectionInbound).
		Order("provider_timestamp DESC").
		First(&msg).Error
	if err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// ApplyStatus moves msg to status to when the transition is allowed by
// the current stored status. Delivery and read timestamps are taken from
// at; a read without a prior delivery also fills delivered_at. It
// reports whether the row changed; stale updates leave it untouched.
func (s *Store) ApplyStatus(ctx context.Context, msg *models.Message, to string, at time.Time, errText string) (bool, error) {
	updates := map[string]interface{}{"status": to}
	switch to {
	case models.MessageDelivered:
		updates["delivered_at"] = at
	case models.MessageRead:
		updates["read_at"] = at
		if msg.DeliveredAt == nil {
			updates["delivered_at"] = at
		}
	case models.MessageFailed:
		updates["error_text"] = errText
	}

	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status IN ?", msg.ID, models.Predecessors(to)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	msg.Status = to
	switch to {
	case models.MessageDelivered:
		msg.DeliveredAt = &at
	case models.MessageRead:
		msg.ReadAt = &at
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = &at
		}
	case models.MessageFailed:
		msg.ErrorText = errText
	}
	return true, nil
}

// MarkSending puts a failed outbound row, or one left in sending since
// before stuckBefore, back to sending so it can be resent.
func (s *Store) MarkSending(ctx context.Context, id string, stuckBefore time.Time) (bool, error) {
	// updated_at is stamped in UTC; sqlite compares it as text.
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND direction = ?", id, models.DirectionOutbound).
		Where("status = ? OR (status = ? AND updated_at < ?)", models.MessageFailed, models.MessageSending, stuckBefore.UTC()).
		Updates(map[string]interface{}{"status": models.MessageSending, "error_text": ""})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkSent records a provider acceptance for a row in sending.
func (s *Store) MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status = ?", id, models.MessageSending).
		Updates(map[string]interface{}{
			"status":              models.MessageSent,
			"provider_message_id": providerMessageID,
			"provider_timestamp":  at,
			"error_text":          "",
		}).Error
}

func (s *Store) MarkFailed(ctx context.Context, id, errText string) error {
	return s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status IN ?", id, models.Predecessors(models.MessageFailed)).
		Updates(map[string]interface{}{"status": models.MessageFailed, "error_text": errText}).Error
}

// SetMediaStored records a successful object-store write. An empty
// originalURL leaves media_original_url unset.
func (s *Store) SetMediaStored(ctx context.Context, id, key, originalURL, mimeType string) error {
	updates := map[string]interface{}{
		"media_ref":  key,
		"error_text": "",
	}
	if originalURL != "" {
		updates["media_original_url"] = originalURL
	}
	if mimeType != "" {
		updates["media_mime"] = mimeType
	}
	return s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) SetMediaProviderID(ctx context.Context, id, mediaID string) error {
	return s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Update("media_provider_id", mediaID).Error
}

func (s *Store) SetMessageError(ctx context.Context, id, errText string) error {
	return s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Update("error_text", errText).Error
}

// PendingMediaMessageIDs lists inbound media messages that were never
// fetched and have not given up.
func (s *Store) PendingMediaMessageIDs(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("direction = ? AND media_provider_id <> '' AND (media_ref IS NULL OR media_ref = '') AND (error_text IS NULL OR error_text = '')",
			models.DirectionInbound).
		Order("created_at").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
