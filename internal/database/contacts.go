package database

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"whatsapp-inbox/internal/models"
)

// ContactInput describes a contact sighting to upsert.
type ContactInput struct {
	AccountID   string
	E164        string
	DisplayName string
	ProfileName string
	SeenAt      *time.Time

	// ReplaceName lets a non-empty DisplayName overwrite the stored one.
	ReplaceName bool
}

// UpsertContact returns the contact for (account, number), creating it
// when missing. A non-empty profile name replaces the stored one; the
// display name is only filled when empty unless ReplaceName is set.
func (s *Store) UpsertContact(ctx context.Context, in ContactInput) (*models.Contact, error) {
	db := s.db.WithContext(ctx)

	displayName := in.DisplayName
	if displayName == "" {
		displayName = in.ProfileName
	}
	contact := models.Contact{
		AccountID:   in.AccountID,
		E164Number:  in.E164,
		DisplayName: displayName,
		ProfileName: in.ProfileName,
		LastSeenAt:  in.SeenAt,
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "e164_number"}},
		DoNothing: true,
	}).Create(&contact)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return &contact, nil
	}

	existing, err := s.FindContact(ctx, in.AccountID, in.E164)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if in.ProfileName != "" && in.ProfileName != existing.ProfileName {
		updates["profile_name"] = in.ProfileName
		existing.ProfileName = in.ProfileName
	}
	if displayName != "" && displayName != existing.DisplayName &&
		(existing.DisplayName == "" || (in.ReplaceName && in.DisplayName != "")) {
		updates["display_name"] = displayName
		existing.DisplayName = displayName
	}
	if in.SeenAt != nil && (existing.LastSeenAt == nil || in.SeenAt.After(*existing.LastSeenAt)) {
		updates["last_seen_at"] = *in.SeenAt
		existing.LastSeenAt = in.SeenAt
	}
	if len(updates) > 0 {
		if err := db.Model(&models.Contact{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return existing, nil
}

func (s *Store) FindContact(ctx context.Context, accountID, e164 string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND e164_number = ?", accountID, e164).
		First(&c).Error
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Store) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Store) CountContacts(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Contact{}).Where("account_id = ?", accountID).Count(&n).Error
	return n, err
}

// ListContacts returns an account's contacts, most recently seen first.
func (s *Store) ListContacts(ctx context.Context, accountID string, limit int) ([]models.Contact, error) {
	q := s.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("last_seen_at IS NULL").Order("last_seen_at DESC").Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var contacts []models.Contact
	err := q.Find(&contacts).Error
	return contacts, err
}

func (s *Store) UpdateContact(ctx context.Context, id string, updates map[string]interface{}) (*models.Contact, error) {
	res := s.db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetContact(ctx, id)
}
