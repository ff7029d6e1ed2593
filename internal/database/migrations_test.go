package database

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lexrelay/lexrelay/internal/messaging"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:database_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestOpenSQLiteRecordsMigrationLedger(t *testing.T) {
	db := openTestDatabase(t)

	var record migrationRecord
	err := db.Where("name = ?", migrationBackfillMessagePublicIDs).Take(&record).Error
	if err != nil {
		t.Fatalf("expected a ledger row, got %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatal("ledger row must carry an applied timestamp")
	}
}

func TestBackfillAssignsMissingPublicIDs(t *testing.T) {
	db := openTestDatabase(t)

	// Legacy rows arrive without a public id, bypassing the store.
	if err := db.Exec(
		`INSERT INTO chat_messages
		 (public_id, sender_id, sender_kind, receiver_id, receiver_kind,
		  content, message_type, read_status, created_at_s)
		 VALUES ('', 1, 'user', 2, 'lawyer', 'legacy', 'text', false, 1700000000)`,
	).Error; err != nil {
		t.Fatalf("failed to insert legacy row: %v", err)
	}

	if err := backfillMessagePublicIDs(db); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}

	var message messaging.Message
	if err := db.Where("content = ?", "legacy").Take(&message).Error; err != nil {
		t.Fatalf("failed to load row: %v", err)
	}
	if message.PublicID == "" {
		t.Fatal("backfill must assign a public id")
	}

	before := message.PublicID
	if err := backfillMessagePublicIDs(db); err != nil {
		t.Fatalf("second backfill failed: %v", err)
	}
	if err := db.Where("content = ?", "legacy").Take(&message).Error; err != nil {
		t.Fatalf("failed to reload row: %v", err)
	}
	if message.PublicID != before {
		t.Fatal("backfill must not rewrite rows that already have an id")
	}
}
