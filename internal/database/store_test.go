package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"whatsapp-inbox/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite::memory:", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewStore(db)
}

func seedAccount(t *testing.T, s *Store) *models.Account {
	t.Helper()
	acc := &models.Account{
		DisplayName:     "Vendas",
		E164Number:      "+5511900000000",
		ProviderPhoneID: "1000",
		Status:          models.AccountActive,
		Active:          true,
	}
	if err := s.CreateAccount(context.Background(), acc); err != nil {
		t.Fatal(err)
	}
	return acc
}

func strPtr(s string) *string { return &s }

func TestUpsertContact(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acc := seedAccount(t, s)

	first, err := s.UpsertContact(ctx, ContactInput{AccountID: acc.ID, E164: "+5511987654321", ProfileName: "João"})
	if err != nil {
		t.Fatal(err)
	}
	if first.DisplayName != "João" {
		t.Errorf("DisplayName = %q, want profile name", first.DisplayName)
	}

	seen := time.Now().UTC()
	second, err := s.UpsertContact(ctx, ContactInput{AccountID: acc.ID, E164: "+5511987654321", ProfileName: "João Silva", SeenAt: &seen})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert created a second contact")
	}
	if second.ProfileName != "João Silva" || second.DisplayName != "João" {
		t.Errorf("got profile=%q display=%q", second.ProfileName, second.DisplayName)
	}

	third, err := s.UpsertContact(ctx, ContactInput{AccountID: acc.ID, E164: "+5511987654321", DisplayName: "João (cliente)", ReplaceName: true})
	if err != nil {
		t.Fatal(err)
	}
	if third.DisplayName != "João (cliente)" || third.ProfileName != "João Silva" {
		t.Errorf("replaced name: profile=%q display=%q", third.ProfileName, third.DisplayName)
	}
	kept, _ := s.UpsertContact(ctx, ContactInput{AccountID: acc.ID, E164: "+5511987654321", ReplaceName: true})
	if kept.DisplayName != "João (cliente)" {
		t.Errorf("empty name replaced display name with %q", kept.DisplayName)
	}

	n, _ := s.CountContacts(ctx, acc.ID)
	if n != 1 {
		t.Fatalf("contacts = %d, want 1", n)
	}
}

func TestOpenConversationKeepsOneActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acc := seedAccount(t, s)
	contact, _ := s.UpsertContact(ctx, ContactInput{AccountID: acc.ID, E164: "+5511987654321"})

	proto := func() *models.Conversation {
		return &models.Conversation{AccountID: acc.ID, ContactID: contact.ID, Status: models.ConversationPending}
	}

	c1, created, err := s.OpenConversation(ctx, proto())
	if err != nil || !created {
		t.Fatalf("first open: created=%v err=%v", created, err)
	}
	c2, created, err := s.OpenConversation(ctx, proto())
	if err != nil || created || c2.ID != c1.ID {
		t.Fatalf("second open: created=%v id=%s err=%v", created, c2.ID, err)
	}

	// A direct duplicate insert must be rejected by the partial index.
	dup := proto()
	if err := s.DB().Create(dup).Error; err == nil {
		t.Fatal("duplicate active conversation was inserted")
	}

	ok, err := s.TransitionConversation(ctx, c1.ID, models.ActiveConversationStatuses, map[string]interface{}{
		"status":      models.ConversationResolved,
		"resolved_at": time.Now().UTC(),
	})
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}

	c3, created, err := s.OpenConversation(ctx, proto())
	if err != nil || !created || c3.ID == c1.ID {
		t.Fatalf("open after resolve: created=%v err=%v", created, err)
	}
}

func TestInsertMessageIfNew(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mk := func() *models.Message {
		return &models.Message{
			ProviderMessageID: strPtr("wamid.X1"),
			AccountID:         "a", ContactID: "c", ConversationID: "v",
			Direction: models.DirectionInbound, Kind: models.KindText,
			Status: models.MessageDelivered,
		}
	}
	isNew, err := s.InsertMessageIfNew(ctx, mk())
	if err != nil || !isNew {
		t.Fatalf("first insert: new=%v err=%v", isNew, err)
	}
	for i := 0; i < 3; i++ {
		isNew, err = s.InsertMessageIfNew(ctx, mk())
		if err != nil || isNew {
			t.Fatalf("duplicate insert: new=%v err=%v", isNew, err)
		}
	}
	var n int64
	s.DB().Model(&models.Message{}).Count(&n)
	if n != 1 {
		t.Fatalf("messages = %d, want 1", n)
	}
}

func TestApplyStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	msg := &models.Message{
		ProviderMessageID: strPtr("wamid.Y1"),
		AccountID:         "a", ContactID: "c", ConversationID: "v",
		Direction: models.DirectionOutbound, Kind: models.KindText,
		Status: models.MessageSent, SentByOperatorID: strPtr("op"),
	}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	t2 := time.Unix(1700000100, 0).UTC()
	t3 := time.Unix(1700000200, 0).UTC()

	if ok, err := s.ApplyStatus(ctx, msg, models.MessageDelivered, t2, ""); !ok || err != nil {
		t.Fatalf("delivered: ok=%v err=%v", ok, err)
	}
	if ok, err := s.ApplyStatus(ctx, msg, models.MessageRead, t3, ""); !ok || err != nil {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}

	stale, _ := s.GetMessageByProviderID(ctx, "wamid.Y1")
	if ok, err := s.ApplyStatus(ctx, stale, models.MessageDelivered, t2, ""); ok || err != nil {
		t.Fatalf("straggler delivered applied: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.ApplyStatus(ctx, stale, models.MessageFailed, t3, "late failure"); ok {
		t.Fatal("failed applied after read")
	}

	got, _ := s.GetMessage(ctx, msg.ID)
	if got.Status != models.MessageRead {
		t.Errorf("status = %s, want read", got.Status)
	}
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(t2) {
		t.Errorf("delivered_at = %v, want %v", got.DeliveredAt, t2)
	}
	if got.ReadAt == nil || !got.ReadAt.Equal(t3) {
		t.Errorf("read_at = %v, want %v", got.ReadAt, t3)
	}
}

func TestApplyStatusReadBeforeDelivered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	msg := &models.Message{
		ProviderMessageID: strPtr("wamid.Z1"),
		AccountID:         "a", ContactID: "c", ConversationID: "v",
		Direction: models.DirectionOutbound, Kind: models.KindText,
		Status: models.MessageSent, SentByOperatorID: strPtr("op"),
	}
	s.CreateMessage(ctx, msg)

	t3 := time.Unix(1700000200, 0).UTC()
	if ok, _ := s.ApplyStatus(ctx, msg, models.MessageRead, t3, ""); !ok {
		t.Fatal("read not applied")
	}
	got, _ := s.GetMessage(ctx, msg.ID)
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(t3) {
		t.Fatalf("delivered_at = %v, want fabricated %v", got.DeliveredAt, t3)
	}
}

func TestClaimNextEnvelope(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.ClaimNextEnvelope(ctx, time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty queue: err = %v", err)
	}

	env, err := s.EnqueueEnvelope(ctx, "acc", []byte(`{"entry":[]}`))
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNextEnvelope(ctx, time.Minute)
	if err != nil || claimed.ID != env.ID || claimed.Attempts != 1 {
		t.Fatalf("claim: %+v err=%v", claimed, err)
	}
	if _, err := s.ClaimNextEnvelope(ctx, time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("claimed envelope was handed out twice: %v", err)
	}

	// A lease older than the visibility timeout is reclaimed.
	old := time.Now().UTC().Add(-time.Hour)
	s.DB().Model(&models.WebhookEnvelope{}).Where("id = ?", env.ID).Update("claimed_at", old)
	reclaimed, err := s.ClaimNextEnvelope(ctx, time.Minute)
	if err != nil || reclaimed.ID != env.ID || reclaimed.Attempts != 2 {
		t.Fatalf("reclaim: %+v err=%v", reclaimed, err)
	}

	// The first holder lost its lease and cannot finish the envelope.
	if err := s.MarkEnvelopeProcessed(ctx, claimed); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetEnvelope(ctx, env.ID)
	if got.State != models.EnvelopeProcessing {
		t.Fatalf("stale holder changed state to %s", got.State)
	}

	if err := s.MarkEnvelopeFailed(ctx, reclaimed, "boom"); err != nil {
		t.Fatal(err)
	}
	n, err := s.RequeueFailedEnvelopes(ctx, 5)
	if err != nil || n != 1 {
		t.Fatalf("requeue: n=%d err=%v", n, err)
	}
	n, _ = s.RequeueFailedEnvelopes(ctx, 5)
	if n != 0 {
		t.Fatalf("second requeue moved %d rows", n)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	const total = 20
	for i := 0; i < total; i++ {
		if _, err := s.EnqueueEnvelope(ctx, "acc", []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				env, err := s.ClaimNextEnvelope(ctx, time.Minute)
				if errors.Is(err, ErrNotFound) {
					return
				}
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[env.ID]++
				mu.Unlock()
				s.MarkEnvelopeProcessed(ctx, env)
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("claimed %d distinct envelopes, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("envelope %s claimed %d times", id, n)
		}
	}
}
