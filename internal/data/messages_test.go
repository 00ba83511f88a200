package data

import (
	"context"
	"testing"
	"time"
)

func TestMessagesSaveAndHistory(t *testing.T) {
	c := setupDB(t)
	defer func() { _ = c.Close(context.Background()) }()

	ctx := context.Background()
	users := NewUsersStore(c.UsersCollection())
	msgs := NewMessagesStore(c.MessagesCollection())

	alice, err := users.CreateUser(ctx, "Alice", "alice@example.com", "h")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	bob, err := users.CreateUser(ctx, "Bob", "bob@example.com", "h")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	now := time.Now()
	first, err := msgs.SaveMessage(ctx, alice.ID, bob.ID, "hi bob", now)
	if err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if first.Delivered || first.Read {
		t.Fatal("new messages must start undelivered and unread")
	}
	if _, err := msgs.SaveMessage(ctx, bob.ID, alice.ID, "hello alice", now.Add(time.Second)); err != nil {
		t.Fatalf("SaveMessage 2 failed: %v", err)
	}

	history, err := msgs.GetMessageHistory(ctx, alice.ID, bob.ID, 1, 10)
	if err != nil {
		t.Fatalf("GetMessageHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	// chronological order for display: oldest first
	if history[0].Body != "hi bob" || history[1].Body != "hello alice" {
		t.Fatalf("history out of order: %q then %q", history[0].Body, history[1].Body)
	}
}

func TestMessagesMarkDeliveredMonotonic(t *testing.T) {
	c := setupDB(t)
	defer func() { _ = c.Close(context.Background()) }()

	ctx := context.Background()
	users := NewUsersStore(c.UsersCollection())
	msgs := NewMessagesStore(c.MessagesCollection())

	alice, _ := users.CreateUser(ctx, "Alice", "alice@example.com", "h")
	bob, _ := users.CreateUser(ctx, "Bob", "bob@example.com", "h")

	saved, err := msgs.SaveMessage(ctx, alice.ID, bob.ID, "ping", time.Now())
	if err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	firstAt := time.Now().Truncate(time.Millisecond)
	if err := msgs.MarkDelivered(ctx, saved.ID, firstAt); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	// second call is a no-op: the original delivery timestamp survives
	if err := msgs.MarkDelivered(ctx, saved.ID, firstAt.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkDelivered failed: %v", err)
	}

	got, err := msgs.FindByID(ctx, saved.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if !got.Delivered {
		t.Fatal("expected message delivered")
	}
	if got.DeliveredAt.After(firstAt.Add(time.Minute)) {
		t.Fatalf("delivery timestamp overwritten: %v", got.DeliveredAt)
	}
}

func TestMessagesMarkReadIdempotent(t *testing.T) {
	c := setupDB(t)
	defer func() { _ = c.Close(context.Background()) }()

	ctx := context.Background()
	users := NewUsersStore(c.UsersCollection())
	msgs := NewMessagesStore(c.MessagesCollection())

	alice, _ := users.CreateUser(ctx, "Alice", "alice@example.com", "h")
	bob, _ := users.CreateUser(ctx, "Bob", "bob@example.com", "h")

	now := time.Now()
	if _, err := msgs.SaveMessage(ctx, alice.ID, bob.ID, "one", now); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if _, err := msgs.SaveMessage(ctx, alice.ID, bob.ID, "two", now.Add(time.Second)); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	// a message bob sent must never be touched by bob's own mark-read
	if _, err := msgs.SaveMessage(ctx, bob.ID, alice.ID, "reply", now.Add(2*time.Second)); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	count, ids, err := msgs.MarkRead(ctx, bob.ID, alice.ID, nil)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if count != 2 || len(ids) != 2 {
		t.Fatalf("expected 2 messages marked, got count=%d ids=%d", count, len(ids))
	}

	// second call must affect nothing
	count, ids, err = msgs.MarkRead(ctx, bob.ID, alice.ID, nil)
	if err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}
	if count != 0 || len(ids) != 0 {
		t.Fatalf("MarkRead not idempotent: count=%d ids=%d", count, len(ids))
	}
}

func TestConversationRollup(t *testing.T) {
	c := setupDB(t)
	defer func() { _ = c.Close(context.Background()) }()

	ctx := context.Background()
	users := NewUsersStore(c.UsersCollection())
	msgs := NewMessagesStore(c.MessagesCollection())

	alice, _ := users.CreateUser(ctx, "Alice", "alice@example.com", "h")
	bob, _ := users.CreateUser(ctx, "Bob", "bob@example.com", "h")
	carol, _ := users.CreateUser(ctx, "Carol", "carol@example.com", "h")

	// empty history is not an error
	rows, err := msgs.ConversationRollup(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ConversationRollup on empty history failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no conversations, got %d", len(rows))
	}

	now := time.Now().Truncate(time.Millisecond)
	if _, err := msgs.SaveMessage(ctx, bob.ID, alice.ID, "hey", now); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if _, err := msgs.SaveMessage(ctx, bob.ID, alice.ID, "you there?", now.Add(time.Second)); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if _, err := msgs.SaveMessage(ctx, alice.ID, carol.ID, "hi carol", now.Add(2*time.Second)); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	rows, err = msgs.ConversationRollup(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ConversationRollup failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(rows))
	}

	// carol is the most recent conversation; unread only counts messages
	// addressed to alice, so the message alice sent contributes nothing
	if rows[0].PeerID != carol.ID || rows[0].UnreadCount != 0 {
		t.Fatalf("unexpected first row: peer=%s unread=%d", rows[0].PeerID.Hex(), rows[0].UnreadCount)
	}
	if rows[1].PeerID != bob.ID || rows[1].UnreadCount != 2 {
		t.Fatalf("unexpected second row: peer=%s unread=%d", rows[1].PeerID.Hex(), rows[1].UnreadCount)
	}
	if rows[1].LastMessage != "you there?" {
		t.Fatalf("expected newest body per group, got %q", rows[1].LastMessage)
	}

	// after mark-read the unread count drains to zero
	if _, _, err := msgs.MarkRead(ctx, alice.ID, bob.ID, nil); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	rows, err = msgs.ConversationRollup(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ConversationRollup after MarkRead failed: %v", err)
	}
	if rows[1].UnreadCount != 0 {
		t.Fatalf("expected unread drained, got %d", rows[1].UnreadCount)
	}
}
