package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Event names.
const (
	EventConversationNew      = "conversation_new"
	EventConversationAssigned = "conversation_assigned"
	EventConversationUpdated  = "conversation_updated"
	EventMessageReceived      = "message_received"
	EventMessageSent          = "message_sent"
	EventMessageStatusUpdate  = "message_status_update"
	EventTypingStatus         = "typing_status"
	EventError                = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

func AccountRoom(accountID string) string {
	return "account:" + accountID
}

func ConversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}

// Publisher fans events out to room subscribers.
type Publisher interface {
	Publish(room, event string, payload interface{})
	// PublishExcept skips the session with the given id.
	PublishExcept(room, event string, payload interface{}, exceptSession string)
}

// Frame is the server to client envelope.
type Frame struct {
	Type string          `json:"type"`
	Room string          `json:"room,omitempty"`
	Data json.RawMessage `json:"data"`
}

// Relay forwards locally published frames to other instances.
type Relay interface {
	Forward(room string, frame []byte, exceptSession string)
}

// Hub maintains the connected sessions and their room subscriptions.
// Publish enqueues to every subscriber before returning, so events
// published by one goroutine reach each session in publish order.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]bool
	rooms    map[string]map[*Session]bool
	relay    Relay

	Upgrader websocket.Upgrader
	// Authorize decides whether an operator may join a room. Nil allows all.
	Authorize func(op Operator, room string) bool
	Handler   ClientHandler
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[*Session]bool),
		rooms:    make(map[string]map[*Session]bool),
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// SetRelay installs a cross-instance relay.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = true
	h.mu.Unlock()
	log.WithFields(log.Fields{"session": s.ID, "operator": s.Operator.ID}).Debug("[WS] session registered")
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	h.drop(s)
	h.mu.Unlock()
}

// drop must be called with h.mu held.
func (h *Hub) drop(s *Session) {
	if !h.sessions[s] {
		return
	}
	delete(h.sessions, s)
	for room := range s.rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, s)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	close(s.send)
	log.WithField("session", s.ID).Debug("[WS] session unregistered")
}

func (h *Hub) Subscribe(s *Session, room string) bool {
	if h.Authorize != nil && !h.Authorize(s.Operator, room) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sessions[s] {
		return false
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Session]bool)
		h.rooms[room] = members
	}
	members[s] = true
	s.rooms[room] = true
	return true
}

func (h *Hub) Unsubscribe(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.rooms[room]; members != nil {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(s.rooms, room)
}

// Subscribers returns the number of sessions in room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) Publish(room, event string, payload interface{}) {
	h.PublishExcept(room, event, payload, "")
}

func (h *Hub) PublishExcept(room, event string, payload interface{}, exceptSession string) {
	frame, err := encodeFrame(room, event, payload)
	if err != nil {
		log.WithError(err).WithField("event", event).Error("[WS] cannot encode event")
		return
	}
	h.Deliver(room, frame, exceptSession)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		relay.Forward(room, frame, exceptSession)
	}
}

// Deliver hands an encoded frame to the local subscribers of room.
// Sessions whose buffer is full are disconnected.
func (h *Hub) Deliver(room string, frame []byte, exceptSession string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.rooms[room] {
		if exceptSession != "" && s.ID == exceptSession {
			continue
		}
		select {
		case s.send <- frame:
		default:
			log.WithField("session", s.ID).Warn("[WS] send buffer full, dropping session")
			h.drop(s)
		}
	}
}

func encodeFrame(room, event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: event, Room: room, Data: data})
}

// ServeWs upgrades the request. A nil operator means the caller failed
// authentication: the socket is closed with a policy violation.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, op *Operator) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("[WS] upgrade failed")
		return
	}
	if op == nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	s := &Session{
		ID:       uuid.NewString(),
		Operator: *op,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		rooms:    make(map[string]bool),
	}
	h.register(s)

	go s.writePump()
	go s.readPump()
}
