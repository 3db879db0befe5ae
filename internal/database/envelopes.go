package database

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"whatsapp-inbox/internal/models"
)

func (s *Store) EnqueueEnvelope(ctx context.Context, accountID string, raw []byte) (*models.WebhookEnvelope, error) {
	env := &models.WebhookEnvelope{
		AccountID:  accountID,
		RawPayload: datatypes.JSON(raw),
		State:      models.EnvelopePending,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(env).Error; err != nil {
		return nil, err
	}
	return env, nil
}

func (s *Store) GetEnvelope(ctx context.Context, id string) (*models.WebhookEnvelope, error) {
	var env models.WebhookEnvelope
	if err := s.db.WithContext(ctx).First(&env, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &env, nil
}

// ClaimNextEnvelope claims the oldest pending envelope, or one whose
// processing lease is older than visibility. It returns ErrNotFound when
// there is no work.
func (s *Store) ClaimNextEnvelope(ctx context.Context, visibility time.Duration) (*models.WebhookEnvelope, error) {
	var claimed *models.WebhookEnvelope
	err := s.Transaction(ctx, func(tx *Store) error {
		now := time.Now().UTC()
		q := tx.db.
			Where("state = ? OR (state = ? AND claimed_at < ?)",
				models.EnvelopePending, models.EnvelopeProcessing, now.Add(-visibility)).
			Order("received_at").
			Limit(1)
		if tx.isPostgres() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var env models.WebhookEnvelope
		if err := q.Find(&env).Error; err != nil {
			return err
		}
		if env.ID == "" {
			return ErrNotFound
		}
		ok, err := tx.claim(&env, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		claimed = &env
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimEnvelope claims a specific envelope if it is still pending.
func (s *Store) ClaimEnvelope(ctx context.Context, id string) (*models.WebhookEnvelope, error) {
	env, err := s.GetEnvelope(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.State != models.EnvelopePending {
		return nil, ErrNotFound
	}
	ok, err := (&Store{db: s.db.WithContext(ctx)}).claim(env, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return env, nil
}

// claim is a compare-and-swap on lease_version so two workers never hold
// the same envelope.
func (s *Store) claim(env *models.WebhookEnvelope, now time.Time) (bool, error) {
	res := s.db.Model(&models.WebhookEnvelope{}).
		Where("id = ? AND lease_version = ?", env.ID, env.LeaseVersion).
		Updates(map[string]interface{}{
			"state":         models.EnvelopeProcessing,
			"claimed_at":    now,
			"attempts":      gorm.Expr("attempts + 1"),
			"lease_version": gorm.Expr("lease_version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	env.State = models.EnvelopeProcessing
	env.ClaimedAt = &now
	env.Attempts++
	env.LeaseVersion++
	return true, nil
}

// finish updates a claimed envelope only while the caller still holds
// its lease.
func (s *Store) finish(ctx context.Context, env *models.WebhookEnvelope, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&models.WebhookEnvelope{}).
		Where("id = ? AND lease_version = ? AND state = ?", env.ID, env.LeaseVersion, models.EnvelopeProcessing).
		Updates(updates).Error
}

func (s *Store) MarkEnvelopeProcessed(ctx context.Context, env *models.WebhookEnvelope) error {
	return s.finish(ctx, env, map[string]interface{}{
		"state":        models.EnvelopeProcessed,
		"processed_at": time.Now().UTC(),
		"error_text":   "",
	})
}

func (s *Store) MarkEnvelopeFailed(ctx context.Context, env *models.WebhookEnvelope, errText string) error {
	return s.finish(ctx, env, map[string]interface{}{
		"state":      models.EnvelopeFailed,
		"error_text": errText,
	})
}

// ReleaseEnvelope hands a claimed envelope back to the queue untouched.
func (s *Store) ReleaseEnvelope(ctx context.Context, env *models.WebhookEnvelope) error {
	return s.finish(ctx, env, map[string]interface{}{
		"state":      models.EnvelopePending,
		"claimed_at": nil,
	})
}

// RequeueFailedEnvelopes moves failed envelopes with fewer than
// maxAttempts attempts back to pending. maxAttempts <= 0 requeues all.
func (s *Store) RequeueFailedEnvelopes(ctx context.Context, maxAttempts int) (int64, error) {
	q := s.db.WithContext(ctx).Model(&models.WebhookEnvelope{}).Where("state = ?", models.EnvelopeFailed)
	if maxAttempts > 0 {
		q = q.Where("attempts < ?", maxAttempts)
	}
	res := q.Updates(map[string]interface{}{"state": models.EnvelopePending, "claimed_at": nil})
	return res.RowsAffected, res.Error
}

func (s *Store) CountEnvelopes(ctx context.Context, state string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.WebhookEnvelope{}).Where("state = ?", state).Count(&n).Error
	return n, err
}
