package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Operator is the authenticated identity behind a session.
type Operator struct {
	ID     string   `json:"id"`
	Groups []string `json:"groups"`
}

func (o Operator) InGroup(g string) bool {
	for _, x := range o.Groups {
		if x == g {
			return true
		}
	}
	return false
}

// ClientMessage is a client to server frame.
type ClientMessage struct {
	Type           string `json:"type"`
	Room           string `json:"room,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Body           string `json:"body,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
}

// ClientHandler serves client events other than subscribe/unsubscribe.
// The returned value, if any, is sent back to the session as the reply.
type ClientHandler interface {
	HandleClientEvent(ctx context.Context, s *Session, msg ClientMessage) (event string, payload interface{}, err error)
}

// Session is one connected operator browser tab.
type Session struct {
	ID       string
	Operator Operator

	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]bool
}

// Reply sends a frame to this session only.
func (s *Session) Reply(event string, payload interface{}) {
	frame, err := encodeFrame("", event, payload)
	if err != nil {
		return
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if !s.hub.sessions[s] {
		return
	}
	select {
	case s.send <- frame:
	default:
		s.hub.drop(s)
	}
}

func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).WithField("session", s.ID).Debug("[WS] read error")
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.Reply(EventError, map[string]string{"error": "invalid frame"})
			continue
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		if !s.hub.Subscribe(s, msg.Room) {
			s.Reply(EventError, map[string]string{"error": "subscription denied", "room": msg.Room})
			return
		}
		s.Reply("subscribed", map[string]string{"room": msg.Room})
	case "unsubscribe":
		s.hub.Unsubscribe(s, msg.Room)
		s.Reply("unsubscribed", map[string]string{"room": msg.Room})
	default:
		if s.hub.Handler == nil {
			s.Reply(EventError, map[string]string{"error": "unsupported event " + msg.Type})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		event, payload, err := s.hub.Handler.HandleClientEvent(ctx, s, msg)
		if err != nil {
			s.Reply(EventError, map[string]string{"error": err.Error(), "type": msg.Type})
			return
		}
		if event != "" {
			s.Reply(event, payload)
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
