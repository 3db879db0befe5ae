package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type echoHandler struct{}

func (echoHandler) HandleClientEvent(ctx context.Context, s *Session, msg ClientMessage) (string, interface{}, error) {
	if msg.Type == "typing" {
		s.hub.PublishExcept(ConversationRoom(msg.ConversationID), EventTypingStatus,
			map[string]interface{}{"is_typing": msg.IsTyping, "operator": s.Operator.ID}, s.ID)
		return "", nil, nil
	}
	return "ack", map[string]string{"type": msg.Type}, nil
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub()
	h.Handler = echoHandler{}
	h.Authorize = func(op Operator, room string) bool {
		return !strings.HasPrefix(room, "account:forbidden")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("op")
		if id == "" {
			h.ServeWs(w, r, nil)
			return
		}
		h.ServeWs(w, r, &Operator{ID: id})
	}))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, op string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?op=" + op
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	return f
}

func subscribe(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	if err := conn.WriteJSON(ClientMessage{Type: "subscribe", Room: room}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, conn); f.Type != "subscribed" {
		t.Fatalf("subscribe reply = %+v", f)
	}
}

func TestPublishReachesRoomInOrder(t *testing.T) {
	h, srv := newTestHub(t)
	a := dial(t, srv, "op-a")
	b := dial(t, srv, "op-b")
	subscribe(t, a, AccountRoom("A1"))
	subscribe(t, b, AccountRoom("A2"))

	for i := 0; i < 20; i++ {
		h.Publish(AccountRoom("A1"), EventMessageReceived, map[string]int{"seq": i})
	}
	for i := 0; i < 20; i++ {
		f := readFrame(t, a)
		var data map[string]int
		json.Unmarshal(f.Data, &data)
		if f.Type != EventMessageReceived || f.Room != "account:A1" || data["seq"] != i {
			t.Fatalf("frame %d = %+v", i, f)
		}
	}

	h.Publish(AccountRoom("A2"), EventConversationNew, map[string]int{"pending_count": 1})
	if f := readFrame(t, b); f.Type != EventConversationNew {
		t.Fatalf("b got %+v", f)
	}
}

func TestSubscriptionDenied(t *testing.T) {
	h, srv := newTestHub(t)
	c := dial(t, srv, "op-a")
	c.WriteJSON(ClientMessage{Type: "subscribe", Room: "account:forbidden"})
	if f := readFrame(t, c); f.Type != EventError {
		t.Fatalf("got %+v", f)
	}
	if n := h.Subscribers("account:forbidden"); n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
}

func TestTypingNotEchoedToSender(t *testing.T) {
	_, srv := newTestHub(t)
	a := dial(t, srv, "op-a")
	b := dial(t, srv, "op-b")
	room := ConversationRoom("C1")
	subscribe(t, a, room)
	subscribe(t, b, room)

	a.WriteJSON(ClientMessage{Type: "typing", ConversationID: "C1", IsTyping: true})
	f := readFrame(t, b)
	if f.Type != EventTypingStatus {
		t.Fatalf("b got %+v", f)
	}

	// a's next frame is the ack to its own request, not the typing event.
	a.WriteJSON(ClientMessage{Type: "mark_read", ConversationID: "C1"})
	if f := readFrame(t, a); f.Type != "ack" {
		t.Fatalf("a got %+v", f)
	}
}

func TestUnauthenticatedSocketClosed(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv, "")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v, want policy violation close", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h, srv := newTestHub(t)
	c := dial(t, srv, "op-a")
	subscribe(t, c, AccountRoom("A1"))
	c.WriteJSON(ClientMessage{Type: "unsubscribe", Room: AccountRoom("A1")})
	if f := readFrame(t, c); f.Type != "unsubscribed" {
		t.Fatalf("got %+v", f)
	}
	if n := h.Subscribers(AccountRoom("A1")); n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
}
