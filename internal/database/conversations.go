package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm/clause"

	"whatsapp-inbox/internal/models"
)

func (s *Store) FindActiveConversation(ctx context.Context, accountID, contactID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND contact_id = ? AND status IN ?", accountID, contactID, models.ActiveConversationStatuses).
		First(&conv).Error
	if err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

// OpenConversation returns the active conversation for the pair named in
// proto, inserting proto when none exists. created reports whether proto
// was inserted.
func (s *Store) OpenConversation(ctx context.Context, proto *models.Conversation) (conv *models.Conversation, created bool, err error) {
	existing, err := s.FindActiveConversation(ctx, proto.AccountID, proto.ContactID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if proto.Priority == "" {
		proto.Priority = models.PriorityMedium
	}
	// The partial unique index turns a concurrent open into a no-op insert.
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(proto)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return proto, true, nil
	}

	existing, err = s.FindActiveConversation(ctx, proto.AccountID, proto.ContactID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

// ListConversations returns an account's conversations, most recently
// active first. An empty statuses slice means every status.
func (s *Store) ListConversations(ctx context.Context, accountID string, statuses []string, limit int) ([]models.Conversation, error) {
	q := s.db.WithContext(ctx).Where("account_id = ?", accountID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if limit <= 0 {
		limit = 100
	}
	var convs []models.Conversation
	err := q.Order("last_activity_at DESC").Order("created_at DESC").Limit(limit).Find(&convs).Error
	return convs, err
}

func (s *Store) CountPendingConversations(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("account_id = ? AND status = ?", accountID, models.ConversationPending).
		Count(&n).Error
	return n, err
}

// TouchConversation moves last_activity_at forward to at; older
// timestamps are ignored.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND (last_activity_at IS NULL OR last_activity_at < ?)", id, at).
		Update("last_activity_at", at).Error
}

// TransitionConversation applies updates only while the conversation is
// in one of from. It reports whether the row changed.
func (s *Store) TransitionConversation(ctx context.Context, id string, from []string, updates map[string]interface{}) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) UpdateConversation(ctx context.Context, id string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
