package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/outbound"
	"whatsapp-inbox/internal/ws"
)

var (
	errUnsupportedEvent = errors.New("unsupported event")
	errRoomForbidden    = errors.New("room not open to this operator")
)

// RealtimeHandler serves client events arriving on operator sockets.
type RealtimeHandler struct {
	store  *database.Store
	sender *outbound.Sender
	hub    ws.Publisher
}

func NewRealtimeHandler(store *database.Store, sender *outbound.Sender, hub ws.Publisher) *RealtimeHandler {
	return &RealtimeHandler{store: store, sender: sender, hub: hub}
}

func (h *RealtimeHandler) HandleClientEvent(ctx context.Context, s *ws.Session, msg ws.ClientMessage) (string, interface{}, error) {
	if msg.ConversationID == "" {
		return "", nil, fmt.Errorf("%s: conversation_id is required", msg.Type)
	}
	switch msg.Type {
	case "send_message":
		sent, err := h.sender.SendText(ctx, msg.ConversationID, s.Operator.ID, msg.Body, msg.ReplyTo)
		if err != nil {
			return "", nil, err
		}
		return "message_ack", sent, nil

	case "mark_read":
		if err := h.sender.MarkRead(ctx, msg.ConversationID); err != nil {
			return "", nil, err
		}
		return "read_ack", map[string]string{"conversation_id": msg.ConversationID}, nil

	case "typing":
		conv, err := h.store.GetConversation(ctx, msg.ConversationID)
		if err != nil {
			return "", nil, err
		}
		h.hub.PublishExcept(ws.ConversationRoom(conv.ID), ws.EventTypingStatus, ws.Typing{
			ConversationID: conv.ID,
			ContactID:      conv.ContactID,
			IsTyping:       msg.IsTyping,
			Operator:       s.Operator.ID,
		}, s.ID)
		return "", nil, nil
	}
	return "", nil, fmt.Errorf("%w %q", errUnsupportedEvent, msg.Type)
}

// Authorize admits sessions to rooms of accounts the operator may see:
// admins see every account, others the ones with no responsible
// operator or where they are responsible. The assigned operator of a
// conversation may always join its room.
func (h *RealtimeHandler) Authorize(op ws.Operator, room string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h.authorize(ctx, op, room)
	if err != nil {
		log.WithFields(log.Fields{"operator": op.ID, "room": room}).WithError(err).Debug("[WS] subscription refused")
		return false
	}
	return true
}

func (h *RealtimeHandler) authorize(ctx context.Context, op ws.Operator, room string) error {
	var accountID string
	switch {
	case strings.HasPrefix(room, "account:"):
		accountID = strings.TrimPrefix(room, "account:")
	case strings.HasPrefix(room, "conversation:"):
		conv, err := h.store.GetConversation(ctx, strings.TrimPrefix(room, "conversation:"))
		if err != nil {
			return err
		}
		if conv.AssignedOperatorID != nil && *conv.AssignedOperatorID == op.ID {
			return nil
		}
		accountID = conv.AccountID
	default:
		return errRoomForbidden
	}
	acc, err := h.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !mayWatch(op, acc) {
		return errRoomForbidden
	}
	return nil
}

func mayWatch(op ws.Operator, acc *models.Account) bool {
	return op.InGroup(AdminGroup) || acc.ResponsibleOperatorID == "" || acc.ResponsibleOperatorID == op.ID
}

// ServeWs upgrades every request; sockets without a vouched operator
// are closed right after the upgrade.
func ServeWs(hub *ws.Hub, apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		hub.ServeWs(c.Writer, c.Request, authenticate(c, apiKey))
	}
}
