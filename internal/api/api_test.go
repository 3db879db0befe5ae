package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"whatsapp-inbox/internal/conversation"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/database/dbtest"
	"whatsapp-inbox/internal/media"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/outbound"
	"whatsapp-inbox/internal/storage/storagetest"
	"whatsapp-inbox/internal/vault"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/whatsapp/whatsapptest"
	"whatsapp-inbox/internal/ws"
	"whatsapp-inbox/internal/ws/wstest"
)

const testKey = "operator-key"

type fixture struct {
	store    *database.Store
	vault    *vault.Vault
	acc      *models.Account
	provider *whatsapptest.Provider
	objects  *storagetest.Store
	events   *wstest.Recorder
	sender   *outbound.Sender
	engine   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	v, err := vault.New("api-test-key", false)
	if err != nil {
		t.Fatal(err)
	}
	store := dbtest.New(t)
	f := &fixture{
		store:    store,
		vault:    v,
		acc:      dbtest.SeedAccount(t, store, "2000"),
		provider: whatsapptest.New(),
		objects:  storagetest.New(),
		events:   &wstest.Recorder{},
	}
	factory := &whatsapptest.Factory{Provider: f.provider}
	router := conversation.NewRouter(store, f.events)
	f.sender = outbound.NewSender(store, factory, router, f.events, f.objects, time.Second)
	f.engine = NewRouter(Deps{
		Store:     store,
		Vault:     v,
		Providers: factory,
		Objects:   f.objects,
		Router:    router,
		Sender:    f.sender,
		Media:     media.NewFetcher(store, factory, f.objects),
		APIKey:    testKey,
	})
	return f
}

func (f *fixture) conversation(t *testing.T, lastInbound time.Duration) *models.Conversation {
	t.Helper()
	ctx := context.Background()
	contact, err := f.store.UpsertContact(ctx, database.ContactInput{AccountID: f.acc.ID, E164: "+5511955554444"})
	if err != nil {
		t.Fatal(err)
	}
	conv, _, err := f.store.OpenConversation(ctx, &models.Conversation{AccountID: f.acc.ID, ContactID: contact.ID, Status: models.ConversationPending})
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Now().UTC().Add(-lastInbound)
	wamid := "wamid.API" + conv.ID
	if err := f.store.CreateMessage(ctx, &models.Message{
		ProviderMessageID: &wamid, AccountID: f.acc.ID, ContactID: contact.ID, ConversationID: conv.ID,
		Direction: models.DirectionInbound, Kind: models.KindText, BodyText: "oi",
		Status: models.MessageDelivered, ProviderTimestamp: &ts,
	}); err != nil {
		t.Fatal(err)
	}
	return conv
}

type request struct {
	method, path string
	body         interface{}
	groups       string
	noAuth       bool
}

func (f *fixture) do(t *testing.T, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if r.body != nil {
		if err := json.NewEncoder(&body).Encode(r.body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(r.method, r.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if !r.noAuth {
		req.Header.Set("Authorization", "Bearer "+testKey)
		req.Header.Set("X-Operator-ID", "op-1")
		req.Header.Set("X-Operator-Groups", r.groups)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	decode(t, w, &body)
	return body.Code
}

func TestOperatorAuth(t *testing.T) {
	f := newFixture(t)
	path := "/api/accounts/" + f.acc.ID + "/conversations"

	if w := f.do(t, request{method: http.MethodGet, path: path, noAuth: true}); w.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Api-Key", "wrong")
	req.Header.Set("X-Operator-ID", "op-1")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Api-Key", testKey)
	w = httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing operator id: %d", w.Code)
	}

	if w := f.do(t, request{method: http.MethodGet, path: path}); w.Code != http.StatusOK {
		t.Errorf("authenticated: %d", w.Code)
	}
	if w := f.do(t, request{method: http.MethodPost, path: "/api/accounts", body: gin.H{}}); w.Code != http.StatusForbidden {
		t.Errorf("non-admin account creation: %d", w.Code)
	}
}

func TestCreateAccountSealsCredentials(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, request{method: http.MethodPost, path: "/api/accounts", groups: "support, admin", body: CreateAccountRequest{
		DisplayName:     "Loja",
		E164Number:      "+55 11 3333-4444",
		ProviderPhoneID: "3000",
		VerifyToken:     "verify-plain",
		AccessToken:     "access-plain",
		AppSecret:       "secret-plain",
	}})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "plain") {
		t.Fatalf("credentials leaked in response: %s", w.Body.String())
	}
	var created models.Account
	decode(t, w, &created)

	dup := f.do(t, request{method: http.MethodPost, path: "/api/accounts", groups: "admin", body: CreateAccountRequest{
		DisplayName: "Outra", E164Number: "+551133335555", ProviderPhoneID: "3000", VerifyToken: "v", AccessToken: "a",
	}})
	if dup.Code != http.StatusConflict || errorCode(t, dup) != "conflict" {
		t.Errorf("duplicate phone id = %d: %s", dup.Code, dup.Body.String())
	}

	acc, err := f.store.GetAccount(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if acc.E164Number != "+551133334444" {
		t.Errorf("e164 = %s", acc.E164Number)
	}
	for name, pair := range map[string][2]string{
		"verify": {acc.VerifyToken, "verify-plain"},
		"access": {acc.AccessToken, "access-plain"},
		"secret": {acc.AppSecret, "secret-plain"},
	} {
		if !vault.IsCiphertext(pair[0]) {
			t.Errorf("%s stored in clear: %q", name, pair[0])
		}
		if got := f.vault.Decrypt(pair[0]); got != pair[1] {
			t.Errorf("%s decrypts to %q", name, got)
		}
	}

	rotated := "access-2"
	w = f.do(t, request{method: http.MethodPut, path: "/api/accounts/" + acc.ID + "/credentials", groups: "admin",
		body: RotateCredentialsRequest{AccessToken: &rotated}})
	if w.Code != http.StatusOK {
		t.Fatalf("rotate status = %d", w.Code)
	}
	acc, _ = f.store.GetAccount(context.Background(), acc.ID)
	if f.vault.Decrypt(acc.AccessToken) != "access-2" || f.vault.Decrypt(acc.VerifyToken) != "verify-plain" {
		t.Errorf("rotation touched the wrong columns")
	}

	w = f.do(t, request{method: http.MethodPut, path: "/api/accounts/missing/credentials", groups: "admin",
		body: RotateCredentialsRequest{AccessToken: &rotated}})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown account rotate = %d", w.Code)
	}
}

func TestSendTextOutsideWindow(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, 26*time.Hour)

	w := f.do(t, request{method: http.MethodPost, path: "/api/conversations/" + conv.ID + "/messages", body: SendTextRequest{Body: "oi"}})
	if w.Code != http.StatusConflict || errorCode(t, w) != "window_closed" {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	w = f.do(t, request{method: http.MethodGet, path: "/api/conversations/" + conv.ID + "/window"})
	var win struct {
		WithinWindow bool       `json:"within_window"`
		ClosesAt     *time.Time `json:"closes_at"`
	}
	decode(t, w, &win)
	if win.WithinWindow || win.ClosesAt == nil {
		t.Errorf("window = %+v", win)
	}
}

func TestSendTextAndList(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, time.Hour)

	w := f.do(t, request{method: http.MethodPost, path: "/api/conversations/" + conv.ID + "/messages", body: SendTextRequest{Body: "tudo certo?"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, request{method: http.MethodGet, path: "/api/conversations/" + conv.ID + "/messages"})
	var msgs []models.Message
	decode(t, w, &msgs)
	if len(msgs) != 2 || msgs[0].Direction != models.DirectionInbound || msgs[1].BodyText != "tudo certo?" {
		t.Errorf("messages = %+v", msgs)
	}

	w = f.do(t, request{method: http.MethodGet, path: "/api/conversations/missing/messages"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown conversation = %d", w.Code)
	}
}

func TestSendFailureReturnsFailedRow(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, time.Hour)
	f.provider.SendErr = &whatsapp.Error{Kind: whatsapp.KindRateLimited, Code: 130429, Message: "slow down"}

	w := f.do(t, request{method: http.MethodPost, path: "/api/conversations/" + conv.ID + "/messages", body: SendTextRequest{Body: "oi"}})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Code    string          `json:"code"`
		Message *models.Message `json:"message"`
	}
	decode(t, w, &body)
	if body.Code != "rate_limited" || body.Message == nil || body.Message.Status != models.MessageFailed {
		t.Fatalf("body = %s", w.Body.String())
	}

	f.provider.SendErr = nil
	w = f.do(t, request{method: http.MethodPost, path: "/api/messages/" + body.Message.ID + "/resend"})
	if w.Code != http.StatusCreated {
		t.Errorf("resend status = %d: %s", w.Code, w.Body.String())
	}
}

func TestSendMediaMultipart(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, time.Hour)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "foto.png")
	part.Write([]byte("\x89PNG\r\n\x1a\n0000"))
	mw.WriteField("caption", "olha")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv.ID+"/media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Api-Key", testKey)
	req.Header.Set("X-Operator-ID", "op-1")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var msg models.Message
	decode(t, w, &msg)
	if msg.Kind != models.KindImage || msg.MediaMime != "image/png" || msg.BodyText != "olha" {
		t.Errorf("message = %+v", msg)
	}

	w = f.do(t, request{method: http.MethodGet, path: "/api/messages/" + msg.ID + "/media"})
	var link struct {
		URL       string `json:"url"`
		ExpiresIn int    `json:"expires_in"`
	}
	decode(t, w, &link)
	if w.Code != http.StatusOK || !strings.HasPrefix(link.URL, f.objects.Host+"/") || link.ExpiresIn != 3600 {
		t.Errorf("link = %d %+v", w.Code, link)
	}
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, time.Hour)
	base := "/api/conversations/" + conv.ID

	w := f.do(t, request{method: http.MethodPost, path: base + "/assign"})
	var got models.Conversation
	decode(t, w, &got)
	if w.Code != http.StatusOK || got.Status != models.ConversationInProgress || *got.AssignedOperatorID != "op-1" {
		t.Fatalf("assign = %d %+v", w.Code, got)
	}

	w = f.do(t, request{method: http.MethodPost, path: base + "/assign", body: AssignRequest{OperatorID: "op-2"}})
	if w.Code != http.StatusConflict || errorCode(t, w) != "invalid_transition" {
		t.Errorf("second assign = %d %s", w.Code, w.Body.String())
	}

	prio := "urgent"
	w = f.do(t, request{method: http.MethodPatch, path: base, body: conversation.Patch{Priority: &prio, Tags: &[]string{"vip"}}})
	decode(t, w, &got)
	if w.Code != http.StatusOK || got.Priority != "urgent" || len(got.Tags) != 1 {
		t.Errorf("patch = %d %+v", w.Code, got)
	}

	for _, step := range []string{"/resolve", "/close"} {
		if w := f.do(t, request{method: http.MethodPost, path: base + step}); w.Code != http.StatusOK {
			t.Fatalf("%s = %d %s", step, w.Code, w.Body.String())
		}
	}
	if w := f.do(t, request{method: http.MethodPost, path: base + "/release"}); w.Code != http.StatusConflict {
		t.Errorf("release after close = %d", w.Code)
	}
}

func TestInitiateRefusedByProvider(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedTemplate(t, f.store, f.acc.ID, "welcome", "Olá {{1}}", 1)
	f.provider.SendErr = &whatsapp.Error{Kind: whatsapp.KindTemplateNotApproved, Code: 132001, Message: "template does not exist"}

	w := f.do(t, request{method: http.MethodPost, path: "/api/accounts/" + f.acc.ID + "/initiate", body: InitiateRequest{
		ContactE164: "+5511977776666", TemplateCode: "welcome", Variables: map[int]string{1: "Bia"},
	}})
	if w.Code != http.StatusUnprocessableEntity || errorCode(t, w) != "template_not_approved" {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if _, err := f.store.FindContact(context.Background(), f.acc.ID, "+5511977776666"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("contact persisted after refusal: %v", err)
	}

	f.provider.SendErr = nil
	w = f.do(t, request{method: http.MethodPost, path: "/api/accounts/" + f.acc.ID + "/initiate", body: InitiateRequest{
		ContactE164: "+5511977776666", TemplateCode: "welcome", Variables: map[int]string{1: "Bia"},
	}})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestRegisterAndListTemplates(t *testing.T) {
	f := newFixture(t)
	path := "/api/accounts/" + f.acc.ID + "/templates"

	w := f.do(t, request{method: http.MethodPost, path: path, body: gin.H{
		"code_name": "Promo_Natal", "language": "pt_BR", "category": "marketing",
		"body_text": "Oi {{1}}, use o cupom {{2}}", "sample_vars": gin.H{"1": "Ana", "2": "NATAL10"},
	}})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	w = f.do(t, request{method: http.MethodPost, path: path, body: gin.H{
		"code_name": "broken", "language": "pt_BR", "category": "marketing", "body_text": "Oi {{1}} e {{3}}",
	}})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("malformed markers = %d", w.Code)
	}

	w = f.do(t, request{method: http.MethodPost, path: path, body: gin.H{
		"code_name": "promo_natal", "language": "pt_BR", "category": "marketing", "body_text": "Oi {{1}}",
	}})
	if w.Code != http.StatusConflict || errorCode(t, w) != "conflict" {
		t.Errorf("duplicate registration = %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, request{method: http.MethodGet, path: path})
	var tpls []models.Template
	decode(t, w, &tpls)
	if len(tpls) != 1 || tpls[0].CodeName != "promo_natal" || tpls[0].VariablesCount != 2 || tpls[0].ProviderTemplateID == "" {
		t.Errorf("templates = %+v", tpls)
	}
}

func TestRetryMediaWithoutMedia(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, time.Hour)
	msgs, _ := f.store.ListMessages(context.Background(), conv.ID, 10)

	w := f.do(t, request{method: http.MethodPost, path: "/api/messages/" + msgs[0].ID + "/media/retry"})
	if w.Code != http.StatusNotFound || errorCode(t, w) != "media_not_found" {
		t.Errorf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("send: %w", whatsapp.ErrWindowClosed), http.StatusConflict},
		{&whatsapp.Error{Kind: whatsapp.KindTemplateNotApproved}, http.StatusUnprocessableEntity},
		{conversation.ErrInvalidTransition, http.StatusConflict},
		{outbound.ErrInvalidNumber, http.StatusUnprocessableEntity},
		{database.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("create template: %w", gorm.ErrDuplicatedKey), http.StatusConflict},
		{&whatsapp.Error{Kind: whatsapp.KindRateLimited}, http.StatusTooManyRequests},
		{&whatsapp.Error{Kind: whatsapp.KindTransientNetwork}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := classify(tt.err); got != tt.status {
			t.Errorf("classify(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}

func TestTypingNotEchoed(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, time.Hour)
	rt := NewRealtimeHandler(f.store, f.sender, f.events)
	s := &ws.Session{ID: "session-1", Operator: ws.Operator{ID: "op-1"}}

	event, _, err := rt.HandleClientEvent(context.Background(), s, ws.ClientMessage{Type: "typing", ConversationID: conv.ID, IsTyping: true})
	if err != nil || event != "" {
		t.Fatalf("event = %q err = %v", event, err)
	}
	got := f.events.Events(ws.EventTypingStatus)
	if len(got) != 1 || got[0].Except != "session-1" || got[0].Room != ws.ConversationRoom(conv.ID) {
		t.Fatalf("typing events = %+v", got)
	}
	if p := got[0].Payload.(ws.Typing); !p.IsTyping || p.ContactID != conv.ContactID || p.Operator != "op-1" {
		t.Errorf("payload = %+v", p)
	}

	if _, _, err := rt.HandleClientEvent(context.Background(), s, ws.ClientMessage{Type: "dance", ConversationID: conv.ID}); !errors.Is(err, errUnsupportedEvent) {
		t.Errorf("unknown event err = %v", err)
	}
	if !rt.Authorize(s.Operator, ws.AccountRoom(f.acc.ID)) || rt.Authorize(s.Operator, "account:missing") || rt.Authorize(s.Operator, "lobby") {
		t.Error("room authorization mismatch")
	}
}

func TestRoomAuthorizationFollowsResponsibleOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, time.Hour)
	if err := f.store.UpdateAccount(ctx, f.acc.ID, map[string]interface{}{"responsible_operator_id": "op-owner"}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateConversation(ctx, conv.ID, map[string]interface{}{"assigned_operator_id": "op-2"}); err != nil {
		t.Fatal(err)
	}
	rt := NewRealtimeHandler(f.store, f.sender, f.events)

	tests := []struct {
		op   ws.Operator
		room string
		want bool
	}{
		{ws.Operator{ID: "op-owner"}, ws.AccountRoom(f.acc.ID), true},
		{ws.Operator{ID: "op-root", Groups: []string{AdminGroup}}, ws.AccountRoom(f.acc.ID), true},
		{ws.Operator{ID: "op-other"}, ws.AccountRoom(f.acc.ID), false},
		{ws.Operator{ID: "op-other"}, ws.ConversationRoom(conv.ID), false},
		{ws.Operator{ID: "op-2"}, ws.ConversationRoom(conv.ID), true},
		{ws.Operator{ID: "op-2"}, ws.AccountRoom(f.acc.ID), false},
	}
	for _, tt := range tests {
		if got := rt.Authorize(tt.op, tt.room); got != tt.want {
			t.Errorf("Authorize(%s, %s) = %v, want %v", tt.op.ID, tt.room, got, tt.want)
		}
	}
}

func TestWebsocketRequiresOperator(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := dbtest.New(t)
	hub := ws.NewHub()
	engine := NewRouter(Deps{Store: store, Hub: hub, APIKey: testKey})
	srv := httptest.NewServer(engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v, want policy violation close", err)
	}

	header := http.Header{}
	header.Set("X-Api-Key", testKey)
	header.Set("X-Operator-ID", "op-1")
	authed, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatal(err)
	}
	defer authed.Close()
	authed.WriteJSON(ws.ClientMessage{Type: "subscribe", Room: "lobby"})
	authed.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame ws.Frame
	if err := authed.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != ws.EventError {
		t.Errorf("frame = %+v, want subscription denied", frame)
	}
}

func TestContactsDirectory(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, time.Hour)
	base := "/api/accounts/" + f.acc.ID + "/contacts"

	w := f.do(t, request{method: http.MethodGet, path: base})
	var contacts []models.Contact
	decode(t, w, &contacts)
	if len(contacts) != 1 || contacts[0].ID != conv.ContactID {
		t.Fatalf("contacts = %+v", contacts)
	}

	name, blocked := "Carla Souza", true
	w = f.do(t, request{method: http.MethodPatch, path: "/api/contacts/" + conv.ContactID, body: UpdateContactRequest{DisplayName: &name, IsBlocked: &blocked}})
	var updated models.Contact
	decode(t, w, &updated)
	if w.Code != http.StatusOK || updated.DisplayName != name || !updated.IsBlocked {
		t.Errorf("update = %d %+v", w.Code, updated)
	}
	if w := f.do(t, request{method: http.MethodPatch, path: "/api/contacts/missing", body: UpdateContactRequest{DisplayName: &name}}); w.Code != http.StatusNotFound {
		t.Errorf("unknown contact = %d", w.Code)
	}

	w = f.do(t, request{method: http.MethodGet, path: base + "/export"})
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if w.Header().Get("Content-Type") != "text/csv" || len(lines) != 2 || !strings.HasPrefix(lines[1], "+5511955554444,Carla Souza,,yes,") {
		t.Errorf("export = %q", w.Body.String())
	}
}
