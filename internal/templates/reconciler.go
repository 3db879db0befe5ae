package templates

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
)

// Reconciler polls the provider for templates still awaiting review.
type Reconciler struct {
	store     *database.Store
	providers whatsapp.ProviderFactory

	Interval time.Duration
	Window   time.Duration
	Batch    int
	MaxRun   time.Duration
}

func NewReconciler(store *database.Store, providers whatsapp.ProviderFactory, interval time.Duration, batch int) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batch <= 0 {
		batch = 50
	}
	return &Reconciler{
		store:     store,
		providers: providers,
		Interval:  interval,
		Window:    7 * 24 * time.Hour,
		Batch:     batch,
		MaxRun:    interval / 2,
	}
}

// Run ticks until ctx is done. A slow run simply skips ticks.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("[TEMPLATES] reconcile run failed")
			}
		}
	}
}

// RunOnce reconciles one batch and returns how many templates changed.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	if r.MaxRun > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.MaxRun)
		defer cancel()
	}

	tpls, err := r.store.TemplatesToReconcile(ctx, time.Now().Add(-r.Window), r.Batch)
	if err != nil {
		return 0, err
	}

	accounts := map[string]whatsapp.Provider{}
	changed := 0
	for i := range tpls {
		if ctx.Err() != nil {
			log.Warnf("[TEMPLATES] run deadline reached after %d of %d templates", i, len(tpls))
			break
		}
		tpl := &tpls[i]
		p, ok := accounts[tpl.AccountID]
		if !ok {
			p, err = r.providerFor(ctx, tpl.AccountID)
			if err != nil {
				log.WithError(err).WithField("account_id", tpl.AccountID).Warn("[TEMPLATES] no provider for account")
			}
			accounts[tpl.AccountID] = p
		}
		if p == nil {
			continue
		}

		st, err := p.FetchTemplate(ctx, tpl.ProviderTemplateID)
		if err != nil {
			log.WithError(err).WithField("template_id", tpl.ID).Warn("[TEMPLATES] fetch failed")
			continue
		}
		status, ok := ProviderStatus(st.Status)
		if !ok {
			log.WithField("template_id", tpl.ID).Warnf("[TEMPLATES] unknown provider status %q", st.Status)
			continue
		}
		did, err := r.apply(ctx, tpl, status, st.RejectionReason)
		if err != nil {
			log.WithError(err).WithField("template_id", tpl.ID).Error("[TEMPLATES] update failed")
			continue
		}
		if did {
			changed++
		}
	}
	return changed, nil
}

func (r *Reconciler) providerFor(ctx context.Context, accountID string) (whatsapp.Provider, error) {
	acc, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return r.providers.ForAccount(acc)
}

// ApplyWebhookUpdate records a message_template_status_update event.
func ApplyWebhookUpdate(ctx context.Context, store *database.Store, accountID, providerTemplateID, event, reason string) error {
	tpl, err := store.FindTemplateByProviderID(ctx, accountID, providerTemplateID)
	if errors.Is(err, database.ErrNotFound) {
		log.WithField("provider_template_id", providerTemplateID).Info("[TEMPLATES] status update for unknown template")
		return nil
	}
	if err != nil {
		return err
	}
	status, ok := ProviderStatus(event)
	if !ok {
		log.WithField("template_id", tpl.ID).Warnf("[TEMPLATES] ignoring template event %q", event)
		return nil
	}
	_, err = apply(ctx, store, tpl, status, reason)
	return err
}

func (r *Reconciler) apply(ctx context.Context, tpl *models.Template, status, reason string) (bool, error) {
	return apply(ctx, r.store, tpl, status, reason)
}

func apply(ctx context.Context, store *database.Store, tpl *models.Template, status, reason string) (bool, error) {
	if reason == "NONE" {
		reason = ""
	}
	if tpl.Status == status && (status != models.TemplateRejected || tpl.RejectionReason == reason) {
		return false, nil
	}
	updates := map[string]interface{}{"status": status}
	if status == models.TemplateRejected {
		updates["rejection_reason"] = reason
	} else if status == models.TemplateApproved {
		updates["rejection_reason"] = ""
	}
	if err := store.UpdateTemplate(ctx, tpl.ID, updates); err != nil {
		return false, err
	}
	log.WithFields(log.Fields{
		"template_id": tpl.ID,
		"code_name":   tpl.CodeName,
		"language":    tpl.Language,
		"reason":      reason,
	}).Infof("[TEMPLATES] %s -> %s", tpl.Status, status)
	tpl.Status = status
	if s, ok := updates["rejection_reason"].(string); ok {
		tpl.RejectionReason = s
	}
	return true, nil
}
