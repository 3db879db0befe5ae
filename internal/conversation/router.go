package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/ws"
)

// Window is the provider's customer service window.
const Window = 24 * time.Hour

var ErrInvalidTransition = errors.New("invalid conversation transition")

// Router owns the conversation state machine:
// pending -> assigned -> in_progress -> resolved | closed, with release
// returning in_progress to pending.
type Router struct {
	store *database.Store
	hub   ws.Publisher
	now   func() time.Time
}

func NewRouter(store *database.Store, hub ws.Publisher) *Router {
	return &Router{store: store, hub: hub, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Router) transition(ctx context.Context, id string, from []string, updates map[string]interface{}) (*models.Conversation, error) {
	ok, err := r.store.TransitionConversation(ctx, id, from, updates)
	if err != nil {
		return nil, err
	}
	conv, err := r.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return conv, fmt.Errorf("%w: conversation is %s", ErrInvalidTransition, conv.Status)
	}
	return conv, nil
}

// Assign hands a pending conversation to operatorID and starts work on it.
func (r *Router) Assign(ctx context.Context, id, operatorID string) (*models.Conversation, error) {
	if operatorID == "" {
		return nil, fmt.Errorf("%w: operator required", ErrInvalidTransition)
	}
	now := r.now()
	var conv *models.Conversation
	err := r.store.Transaction(ctx, func(tx *database.Store) error {
		ok, err := tx.TransitionConversation(ctx, id, []string{models.ConversationPending}, map[string]interface{}{
			"status":               models.ConversationAssigned,
			"assigned_operator_id": operatorID,
			"assigned_at":          now,
		})
		if err != nil {
			return err
		}
		if !ok {
			current, err := tx.GetConversation(ctx, id)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: conversation is %s", ErrInvalidTransition, current.Status)
		}
		if _, err := tx.TransitionConversation(ctx, id, []string{models.ConversationAssigned},
			map[string]interface{}{"status": models.ConversationInProgress}); err != nil {
			return err
		}
		conv, err = tx.GetConversation(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"conversation_id": id, "operator": operatorID}).Info("[ROUTER] conversation assigned")
	r.hub.Publish(ws.AccountRoom(conv.AccountID), ws.EventConversationAssigned, conv)
	r.hub.Publish(ws.ConversationRoom(conv.ID), ws.EventConversationAssigned, conv)
	return conv, nil
}

// Release returns an in-progress conversation to the pending queue.
func (r *Router) Release(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := r.transition(ctx, id, []string{models.ConversationInProgress}, map[string]interface{}{
		"status":               models.ConversationPending,
		"assigned_operator_id": nil,
		"assigned_at":          nil,
	})
	if err != nil {
		return nil, err
	}
	r.publishUpdate(conv)
	return conv, nil
}

// Resolve ends the conversation's lifecycle. The next inbound message
// from the contact opens a new conversation.
func (r *Router) Resolve(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := r.transition(ctx, id, models.ActiveConversationStatuses, map[string]interface{}{
		"status":      models.ConversationResolved,
		"resolved_at": r.now(),
	})
	if err != nil {
		return nil, err
	}
	r.publishUpdate(conv)
	return conv, nil
}

func (r *Router) Close(ctx context.Context, id string) (*models.Conversation, error) {
	from := append([]string{models.ConversationResolved}, models.ActiveConversationStatuses...)
	updates := map[string]interface{}{"status": models.ConversationClosed}
	current, err := r.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.ResolvedAt == nil {
		updates["resolved_at"] = r.now()
	}
	conv, err := r.transition(ctx, id, from, updates)
	if err != nil {
		return nil, err
	}
	r.publishUpdate(conv)
	return conv, nil
}

// Engage moves a pending conversation to in_progress for the operator
// who just replied. It is a no-op for any other status.
func (r *Router) Engage(ctx context.Context, id, operatorID string) (bool, error) {
	return r.store.TransitionConversation(ctx, id, []string{models.ConversationPending}, map[string]interface{}{
		"status":               models.ConversationInProgress,
		"assigned_operator_id": operatorID,
		"assigned_at":          r.now(),
	})
}

// Patch holds the housekeeping fields an operator may edit.
type Patch struct {
	Priority     *string    `json:"priority"`
	Tags         *[]string  `json:"tags"`
	Notes        *string    `json:"notes"`
	FollowUpDate *time.Time `json:"follow_up_date"`
	ClearFollow  bool       `json:"clear_follow_up"`
}

func (r *Router) Update(ctx context.Context, id string, p Patch) (*models.Conversation, error) {
	updates := map[string]interface{}{}
	if p.Priority != nil {
		prio := strings.ToLower(*p.Priority)
		if !models.ValidPriority(prio) {
			return nil, fmt.Errorf("invalid priority %q", *p.Priority)
		}
		updates["priority"] = prio
	}
	if p.Tags != nil {
		tags := make([]string, 0, len(*p.Tags))
		seen := map[string]bool{}
		for _, t := range *p.Tags {
			t = strings.TrimSpace(t)
			if t != "" && !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
		updates["tags"] = datatypes.JSONSlice[string](tags)
	}
	if p.Notes != nil {
		updates["notes"] = *p.Notes
	}
	if p.FollowUpDate != nil {
		updates["follow_up_date"] = p.FollowUpDate.UTC()
	} else if p.ClearFollow {
		updates["follow_up_date"] = nil
	}
	if len(updates) == 0 {
		return r.store.GetConversation(ctx, id)
	}
	if err := r.store.UpdateConversation(ctx, id, updates); err != nil {
		return nil, err
	}
	conv, err := r.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	r.publishUpdate(conv)
	return conv, nil
}

// WithinWindow reports whether the newest inbound message of the
// conversation arrived less than 24 hours ago.
func (r *Router) WithinWindow(ctx context.Context, id string) (bool, error) {
	closes, err := r.WindowClosesAt(ctx, id)
	if err != nil {
		return false, err
	}
	return closes != nil && r.now().Before(*closes), nil
}

// WindowClosesAt returns when the service window closes, or nil when
// the contact never wrote.
func (r *Router) WindowClosesAt(ctx context.Context, id string) (*time.Time, error) {
	last, err := r.store.LatestInboundMessage(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	closes := last.ProviderTimestamp.Add(Window)
	return &closes, nil
}

func (r *Router) publishUpdate(conv *models.Conversation) {
	r.hub.Publish(ws.AccountRoom(conv.AccountID), ws.EventConversationUpdated, conv)
	r.hub.Publish(ws.ConversationRoom(conv.ID), ws.EventConversationUpdated, conv)
}
