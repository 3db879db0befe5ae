package outbound

import (
	"context"
	"errors"
	"testing"

	"whatsapp-inbox/internal/database/dbtest"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/ws"
)

func rowCounts(t *testing.T, f *fixture) [3]int64 {
	t.Helper()
	var out [3]int64
	for i, m := range []interface{}{&models.Contact{}, &models.Conversation{}, &models.Message{}} {
		f.store.DB().Model(m).Count(&out[i])
	}
	return out
}

func TestInitiateOpensAssignedConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dbtest.SeedTemplate(t, f.store, f.acc.ID, "welcome", "Olá {{1}}, aqui é da loja!", 1)

	conv, msg, err := f.sender.Initiate(ctx, InitiateInput{
		AccountID: f.acc.ID, OperatorID: "op-1", ContactE164: "+55 11 99999-0000", ContactName: "Maria",
		TemplateCode: "welcome", Variables: map[int]string{1: "Maria"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != models.ConversationAssigned || *conv.AssignedOperatorID != "op-1" || conv.AssignedAt == nil || conv.FirstMessageAt == nil {
		t.Errorf("conversation = %+v", conv)
	}
	if msg.Kind != models.KindTemplate || msg.Status != models.MessageSent || msg.ProviderMessageID == nil || msg.Direction != models.DirectionOutbound {
		t.Errorf("message = %+v", msg)
	}
	contact, err := f.store.FindContact(ctx, f.acc.ID, "+5511999990000")
	if err != nil || contact.DisplayName != "Maria" {
		t.Errorf("contact = %+v, %v", contact, err)
	}

	calls := f.provider.Calls("SendTemplate")
	if len(calls) != 1 || calls[0].To != "5511999990000" || calls[0].Template != "welcome" || calls[0].Components[0].Parameters[0].Text != "Maria" {
		t.Errorf("calls = %+v", calls)
	}
	if len(f.hub.Events(ws.EventConversationNew)) != 1 || len(f.hub.Events(ws.EventMessageSent)) != 2 {
		t.Errorf("events = %+v", f.hub.Events(""))
	}
}

func TestInitiateProviderRefusalPersistsNothing(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedTemplate(t, f.store, f.acc.ID, "welcome", "Olá {{1}}", 1)
	f.provider.SendErr = &whatsapp.Error{Kind: whatsapp.KindTemplateNotApproved, Code: 132001, Message: "template does not exist"}
	before := rowCounts(t, f)

	_, _, err := f.sender.Initiate(context.Background(), InitiateInput{
		AccountID: f.acc.ID, OperatorID: "op-1", ContactE164: "+5511999990000", ContactName: "Maria",
		TemplateCode: "welcome", Variables: map[int]string{1: "Maria"},
	})
	if !errors.Is(err, whatsapp.ErrTemplateNotApproved) {
		t.Fatalf("err = %v", err)
	}
	if after := rowCounts(t, f); after != before {
		t.Errorf("rows changed: %v -> %v", before, after)
	}
	if n := len(f.hub.Events("")); n != 0 {
		t.Errorf("events = %d", n)
	}
}

func TestInitiateRejectsBeforeCallingProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tpl := dbtest.SeedTemplate(t, f.store, f.acc.ID, "draft", "Oi", 0)
	f.store.UpdateTemplate(ctx, tpl.ID, map[string]interface{}{"status": models.TemplatePending})
	dbtest.SeedTemplate(t, f.store, f.acc.ID, "welcome", "Oi", 0)

	_, _, err := f.sender.Initiate(ctx, InitiateInput{AccountID: f.acc.ID, OperatorID: "op-1", ContactE164: "+5511999990000", TemplateCode: "draft"})
	if !errors.Is(err, whatsapp.ErrTemplateNotApproved) {
		t.Errorf("pending template err = %v", err)
	}
	_, _, err = f.sender.Initiate(ctx, InitiateInput{AccountID: f.acc.ID, OperatorID: "op-1", ContactE164: "+5511999990000", TemplateCode: "missing"})
	if !errors.Is(err, whatsapp.ErrTemplateNotApproved) {
		t.Errorf("missing template err = %v", err)
	}
	_, _, err = f.sender.Initiate(ctx, InitiateInput{AccountID: f.acc.ID, OperatorID: "op-1", ContactE164: "12", TemplateCode: "welcome"})
	if !errors.Is(err, ErrInvalidNumber) {
		t.Errorf("bad number err = %v", err)
	}
	if n := len(f.provider.Calls("")); n != 0 {
		t.Errorf("provider called %d times", n)
	}
}

func TestInitiateAssignsExistingPendingConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.conversationWithInbound(t, 0)
	dbtest.SeedTemplate(t, f.store, f.acc.ID, "welcome", "Oi", 0)
	if _, err := f.store.UpdateContact(ctx, pending.ContactID, map[string]interface{}{"display_name": "Cliente"}); err != nil {
		t.Fatal(err)
	}

	conv, _, err := f.sender.Initiate(ctx, InitiateInput{AccountID: f.acc.ID, OperatorID: "op-7", ContactE164: "+5511987654321", ContactName: "Carlos", TemplateCode: "welcome"})
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != pending.ID || conv.Status != models.ConversationAssigned {
		t.Errorf("conversation = %+v", conv)
	}
	if contact, _ := f.store.GetContact(ctx, conv.ContactID); contact == nil || contact.DisplayName != "Carlos" {
		t.Errorf("contact = %+v, want operator-supplied name", contact)
	}
	if n := len(f.hub.Events(ws.EventConversationAssigned)); n != 1 {
		t.Errorf("conversation_assigned events = %d", n)
	}
}
