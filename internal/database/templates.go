package database

import (
	"context"
	"time"

	"whatsapp-inbox/internal/models"
)

func (s *Store) CreateTemplate(ctx context.Context, tpl *models.Template) error {
	return s.db.WithContext(ctx).Create(tpl).Error
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var tpl models.Template
	if err := s.db.WithContext(ctx).First(&tpl, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &tpl, nil
}

// FindTemplate looks a template up by code name. With an empty language
// the approved, active variant is preferred.
func (s *Store) FindTemplate(ctx context.Context, accountID, codeName, language string) (*models.Template, error) {
	q := s.db.WithContext(ctx).Where("account_id = ? AND code_name = ?", accountID, codeName)
	if language != "" {
		q = q.Where("language = ?", language)
	} else {
		q = q.Order("CASE WHEN status = 'approved' AND active THEN 0 ELSE 1 END").Order("language")
	}
	var tpl models.Template
	if err := q.First(&tpl).Error; err != nil {
		return nil, translate(err)
	}
	return &tpl, nil
}

func (s *Store) FindTemplateByProviderID(ctx context.Context, accountID, providerTemplateID string) (*models.Template, error) {
	var tpl models.Template
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND provider_template_id = ?", accountID, providerTemplateID).
		First(&tpl).Error
	if err != nil {
		return nil, translate(err)
	}
	return &tpl, nil
}

func (s *Store) ListTemplates(ctx context.Context, accountID string) ([]models.Template, error) {
	var tpls []models.Template
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("code_name").Order("language").Find(&tpls).Error
	return tpls, err
}

// TemplatesToReconcile returns templates still awaiting a provider
// verdict (or rejected and possibly resubmitted) touched since since.
func (s *Store) TemplatesToReconcile(ctx context.Context, since time.Time, limit int) ([]models.Template, error) {
	var tpls []models.Template
	err := s.db.WithContext(ctx).
		Where("status IN ? AND provider_template_id <> '' AND updated_at >= ?",
			[]string{models.TemplatePending, models.TemplateRejected}, since).
		Order("updated_at").
		Limit(limit).
		Find(&tpls).Error
	return tpls, err
}

func (s *Store) UpdateTemplate(ctx context.Context, id string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Template{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
