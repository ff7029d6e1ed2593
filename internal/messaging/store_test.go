package messaging

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/lexrelay/lexrelay/internal/identity"
)

var (
	alice  = identity.Identity{PrincipalID: 1, Kind: identity.KindUser}
	bob    = identity.Identity{PrincipalID: 2, Kind: identity.KindLawyer}
	carol  = identity.Identity{PrincipalID: 3, Kind: identity.KindUser}
	frozen = time.Unix(1750000000, 0).UTC()
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:messaging_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Message{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return frozen },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func insertMessage(t *testing.T, store *Store, sender, receiver identity.Identity, content string) *Message {
	t.Helper()
	message := &Message{
		SenderID:     sender.PrincipalID,
		SenderKind:   sender.Kind,
		ReceiverID:   receiver.PrincipalID,
		ReceiverKind: receiver.Kind,
		Content:      content,
	}
	if err := store.Insert(context.Background(), message); err != nil {
		t.Fatalf("failed to insert message: %v", err)
	}
	return message
}

func TestInsertAssignsPublicIDAndTimestamp(t *testing.T) {
	store, _ := newTestStore(t)

	message := insertMessage(t, store, alice, bob, "Hello")
	if message.ID == 0 {
		t.Fatal("expected a generated row id")
	}
	if message.PublicID == "" {
		t.Fatal("expected a generated public id")
	}
	if message.CreatedAtSeconds != frozen.Unix() {
		t.Fatalf("expected clock timestamp, got %d", message.CreatedAtSeconds)
	}
	if message.MessageType != MessageTypeText {
		t.Fatalf("expected default text type, got %s", message.MessageType)
	}
	if message.ReadStatus {
		t.Fatal("new messages must be unread")
	}
}

func TestUnreadCountTracksReceiverOnly(t *testing.T) {
	store, _ := newTestStore(t)
	insertMessage(t, store, alice, bob, "one")
	insertMessage(t, store, alice, bob, "two")
	insertMessage(t, store, bob, alice, "reply")

	count, err := store.UnreadCount(context.Background(), bob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 unread for bob, got %d", count)
	}

	count, err = store.UnreadCount(context.Background(), alice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 unread for alice, got %d", count)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	first := insertMessage(t, store, alice, bob, "one")
	second := insertMessage(t, store, alice, bob, "two")

	changed, err := store.MarkRead(context.Background(), []int64{first.ID, second.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed != 2 {
		t.Fatalf("expected 2 rows changed, got %d", changed)
	}

	changed, err = store.MarkRead(context.Background(), []int64{first.ID, second.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed != 0 {
		t.Fatalf("second mark-read must be a no-op, changed %d rows", changed)
	}

	count, err := store.UnreadCount(context.Background(), bob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 unread, got %d", count)
	}
}

func TestMarkReadByPartnerSweepsOnlyThatPartner(t *testing.T) {
	store, _ := newTestStore(t)
	insertMessage(t, store, alice, bob, "from alice")
	insertMessage(t, store, carol, bob, "from carol")

	changed, err := store.MarkReadByPartner(context.Background(), bob, alice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected 1 row changed, got %d", changed)
	}

	count, err := store.UnreadCount(context.Background(), bob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("carol's message must stay unread, got count %d", count)
	}

	changed, err = store.MarkReadByPartner(context.Background(), bob, alice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed != 0 {
		t.Fatalf("partner sweep must be idempotent, changed %d rows", changed)
	}
}

func TestConversationReturnsBothDirectionsNewestFirst(t *testing.T) {
	store, db := newTestStore(t)
	insertMessage(t, store, alice, bob, "first")
	insertMessage(t, store, bob, alice, "second")
	insertMessage(t, store, alice, carol, "other thread")

	// Later timestamp for the final exchange.
	if err := db.Model(&Message{}).Where("content = ?", "second").
		Update("created_at_s", frozen.Unix()+10).Error; err != nil {
		t.Fatalf("failed to adjust timestamp: %v", err)
	}

	messages, err := store.Conversation(context.Background(), alice, bob, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Content != "second" || messages[1].Content != "first" {
		t.Fatalf("unexpected ordering: %q then %q", messages[0].Content, messages[1].Content)
	}
}
