// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation CRUD, exchange atomicity, and message ordering/limiting

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestConversation(t *testing.T, s Store, id string) *Conversation {
	t.Helper()
	now := time.Now().UTC()
	conv := &Conversation{
		ID:            id,
		Shop:          "acme.example",
		SessionID:     "sess-" + id,
		VisitorID:     "visitor-1",
		Status:        StatusActive,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	if err := s.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	return conv
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := createTestConversation(t, s, "conv-1")

	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.Shop != conv.Shop || got.SessionID != conv.SessionID {
		t.Errorf("got %+v, want shop/session %q/%q", got, conv.Shop, conv.SessionID)
	}
	if got.Status != StatusActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
	if !got.CreatedAt.Equal(conv.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, conv.CreatedAt)
	}
	if got.ResolvedAt != nil {
		t.Errorf("ResolvedAt = %v, want nil", got.ResolvedAt)
	}

	bySession, err := s.GetConversationBySession(ctx, conv.Shop, conv.SessionID)
	if err != nil {
		t.Fatalf("GetConversationBySession failed: %v", err)
	}
	if bySession.ID != "conv-1" {
		t.Errorf("GetConversationBySession ID = %q, want conv-1", bySession.ID)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateConversationStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "conv-1")

	now := time.Now().UTC()
	conv.Status = StatusEscalated
	conv.EscalationReason = "wants a human"
	conv.EscalatedAt = &now
	if err := s.UpdateConversationStatus(ctx, conv, StatusActive); err != nil {
		t.Fatalf("UpdateConversationStatus failed: %v", err)
	}

	got, _ := s.GetConversation(ctx, "conv-1")
	if got.Status != StatusEscalated || got.EscalationReason != "wants a human" {
		t.Errorf("got status %q reason %q", got.Status, got.EscalationReason)
	}
	if got.EscalatedAt == nil || !got.EscalatedAt.Equal(now) {
		t.Errorf("EscalatedAt = %v, want %v", got.EscalatedAt, now)
	}

	// Stale expected status is rejected
	conv.Status = StatusResolved
	err := s.UpdateConversationStatus(ctx, conv, StatusActive)
	if !errors.Is(err, ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict, got %v", err)
	}

	conv.ID = "missing"
	err = s.UpdateConversationStatus(ctx, conv, StatusActive)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveExchange_PrimaryIntentFirstWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	base := time.Now().UTC()
	for i, intent := range []string{"", "order_status", "returns"} {
		err := s.SaveExchange(ctx, &Exchange{
			ConversationID: "conv-1",
			Messages: []*Message{{
				ID:             fmt.Sprintf("m-%d", i),
				ConversationID: "conv-1",
				Role:           RoleUser,
				Content:        "hi",
				CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
			}},
			LastMessageAt: base.Add(time.Duration(i) * time.Millisecond),
			Intent:        intent,
		})
		if err != nil {
			t.Fatalf("SaveExchange %d failed: %v", i, err)
		}
	}

	got, _ := s.GetConversation(ctx, "conv-1")
	if got.PrimaryIntent != "order_status" {
		t.Errorf("PrimaryIntent = %q, want order_status", got.PrimaryIntent)
	}
	if !got.LastMessageAt.Equal(base.Add(2 * time.Millisecond)) {
		t.Errorf("LastMessageAt = %v", got.LastMessageAt)
	}
}

func TestSaveExchange_IsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	now := time.Now().UTC()
	// Second message reuses the first message's primary key, so the insert fails
	err := s.SaveExchange(ctx, &Exchange{
		ConversationID: "conv-1",
		Messages: []*Message{
			{ID: "dup", ConversationID: "conv-1", Role: RoleUser, Content: "q", CreatedAt: now},
			{ID: "dup", ConversationID: "conv-1", Role: RoleAssistant, Content: "a", CreatedAt: now.Add(time.Microsecond)},
		},
		LastMessageAt: now,
		Intent:        "greeting",
	})
	if err == nil {
		t.Fatal("expected SaveExchange to fail")
	}

	msgs, err := s.GetMessages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages after failed exchange, got %d", len(msgs))
	}

	got, _ := s.GetConversation(ctx, "conv-1")
	if got.PrimaryIntent != "" {
		t.Errorf("PrimaryIntent = %q, want empty after rollback", got.PrimaryIntent)
	}
}

func TestSaveExchange_DuplicateClientMessageID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	now := time.Now().UTC()
	save := func(id string) error {
		return s.SaveExchange(ctx, &Exchange{
			ConversationID: "conv-1",
			Messages: []*Message{{
				ID: id, ConversationID: "conv-1", Role: RoleUser, Content: "q",
				ClientMessageID: "client-1", CreatedAt: now,
			}},
			LastMessageAt: now,
		})
	}

	if err := save("m-1"); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := save("m-2"); !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("expected ErrDuplicateMessage, got %v", err)
	}

	msg, err := s.GetMessageByClientID(ctx, "conv-1", "client-1", RoleUser)
	if err != nil {
		t.Fatalf("GetMessageByClientID failed: %v", err)
	}
	if msg.ID != "m-1" {
		t.Errorf("ID = %q, want m-1", msg.ID)
	}

	_, err = s.GetMessageByClientID(ctx, "conv-1", "client-1", RoleAssistant)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for assistant role, got %v", err)
	}
}

func TestGetMessages_OrderingAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	base := time.Now().UTC()
	// Insert out of chronological order, including two messages sharing a timestamp
	offsets := []int{5, 1, 3, 3, 0, 9, 7}
	for i, off := range offsets {
		err := s.SaveExchange(ctx, &Exchange{
			ConversationID: "conv-1",
			Messages: []*Message{{
				ID:             fmt.Sprintf("m-%d", i),
				ConversationID: "conv-1",
				Role:           RoleUser,
				Content:        fmt.Sprintf("msg %d", off),
				CreatedAt:      base.Add(time.Duration(off) * time.Nanosecond * 1500),
			}},
			LastMessageAt: base,
		})
		if err != nil {
			t.Fatalf("SaveExchange failed: %v", err)
		}
	}

	all, err := s.GetMessages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(all) != len(offsets) {
		t.Fatalf("got %d messages, want %d", len(all), len(offsets))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Errorf("messages out of order at %d: %v before %v", i, all[i].CreatedAt, all[i-1].CreatedAt)
		}
	}

	latest, err := s.GetMessages(ctx, "conv-1", 3)
	if err != nil {
		t.Fatalf("GetMessages with limit failed: %v", err)
	}
	want := []string{"msg 5", "msg 7", "msg 9"}
	if len(latest) != len(want) {
		t.Fatalf("got %d messages, want %d", len(latest), len(want))
	}
	for i, w := range want {
		if latest[i].Content != w {
			t.Errorf("latest[%d] = %q, want %q", i, latest[i].Content, w)
		}
	}
}

func TestGetMessagesSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	base := time.Now().UTC()
	conf := 0.9
	for i := 0; i < 4; i++ {
		err := s.SaveExchange(ctx, &Exchange{
			ConversationID: "conv-1",
			Messages: []*Message{{
				ID:             fmt.Sprintf("m-%d", i),
				ConversationID: "conv-1",
				Role:           RoleAgent,
				Content:        fmt.Sprintf("reply %d", i),
				Confidence:     &conf,
				CreatedAt:      base.Add(time.Duration(i) * time.Second),
			}},
			LastMessageAt: base,
		})
		if err != nil {
			t.Fatalf("SaveExchange failed: %v", err)
		}
	}

	msgs, err := s.GetMessagesSince(ctx, "conv-1", base.Add(time.Second))
	if err != nil {
		t.Fatalf("GetMessagesSince failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (strictly after cursor)", len(msgs))
	}
	if msgs[0].ID != "m-2" || msgs[1].ID != "m-3" {
		t.Errorf("got %s, %s", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].Confidence == nil || *msgs[0].Confidence != conf {
		t.Errorf("Confidence = %v, want %v", msgs[0].Confidence, conf)
	}

	if err := s.MarkDelivered(ctx, []string{"m-2"}); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	msgs, _ = s.GetMessagesSince(ctx, "conv-1", base.Add(time.Second))
	if !msgs[0].IsDelivered || msgs[1].IsDelivered {
		t.Errorf("delivery flags = %v, %v; want true, false", msgs[0].IsDelivered, msgs[1].IsDelivered)
	}
}

func TestCustomers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Customer{
		ID:          "cust-1",
		Shop:        "acme.example",
		Email:       "Jane@Example.com",
		Name:        "Jane",
		OrdersCount: 3,
		TotalSpent:  120.5,
		Tags:        []string{"vip"},
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.SaveCustomer(ctx, c); err != nil {
		t.Fatalf("SaveCustomer failed: %v", err)
	}

	got, err := s.GetCustomerByEmail(ctx, "acme.example", "jane@example.com")
	if err != nil {
		t.Fatalf("GetCustomerByEmail failed: %v", err)
	}
	if got.ID != "cust-1" || got.OrdersCount != 3 || len(got.Tags) != 1 || got.Tags[0] != "vip" {
		t.Errorf("unexpected customer: %+v", got)
	}

	byID, err := s.GetCustomer(ctx, "cust-1")
	if err != nil {
		t.Fatalf("GetCustomer failed: %v", err)
	}
	if byID.Name != "Jane" {
		t.Errorf("Name = %q, want Jane", byID.Name)
	}

	_, err = s.GetCustomerByEmail(ctx, "other.example", "jane@example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other shop, got %v", err)
	}
}
