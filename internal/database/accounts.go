package database

import (
	"context"

	"whatsapp-inbox/internal/models"
)

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var acc models.Account
	if err := s.db.WithContext(ctx).First(&acc, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &acc, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc *models.Account) error {
	return s.db.WithContext(ctx).Create(acc).Error
}

// UpdateAccount applies column updates; callers pass already-encrypted
// credential values.
func (s *Store) UpdateAccount(ctx context.Context, id string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
