package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lexrelay/lexrelay/internal/identity"
)

const defaultConversationLimit = 50

var errMissingDatabase = errors.New("messaging: database handle is required")

// StoreConfig describes the dependencies of the message store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists chat messages and serves the read-receipt and unread
// count queries. Read status moves in one direction only: mark-read
// operations are idempotent and never flip a message back to unread.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Insert persists the message, assigning its public id and timestamp.
func (s *Store) Insert(ctx context.Context, message *Message) error {
	if message == nil {
		return fmt.Errorf("messaging: nil message")
	}
	if message.PublicID == "" {
		value, err := uuid.NewV7()
		if err != nil {
			return err
		}
		message.PublicID = value.String()
	}
	if message.MessageType == "" {
		message.MessageType = MessageTypeText
	}
	if message.CreatedAtSeconds == 0 {
		message.CreatedAtSeconds = s.clock().UTC().Unix()
	}
	if err := s.db.WithContext(ctx).Create(message).Error; err != nil {
		s.logger.Error("message insert failed",
			zap.String("sender", message.Sender().String()),
			zap.String("receiver", message.Receiver().String()),
			zap.Error(err))
		return err
	}
	return nil
}

// MarkRead flips read_status on exactly the given message ids. Returns
// the number of rows that actually changed.
func (s *Store) MarkRead(ctx context.Context, messageIDs []int64) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id IN ? AND read_status = ?", messageIDs, false).
		Update("read_status", true)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// MarkReadByPartner flips read_status on every unread message the owner
// received from the partner.
func (s *Store) MarkReadByPartner(ctx context.Context, owner, partner identity.Identity) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("receiver_id = ? AND receiver_kind = ? AND sender_id = ? AND sender_kind = ? AND read_status = ?",
			owner.PrincipalID, owner.Kind, partner.PrincipalID, partner.Kind, false).
		Update("read_status", true)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// UnreadCount counts persisted unread messages addressed to the identity.
func (s *Store) UnreadCount(ctx context.Context, owner identity.Identity) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("receiver_id = ? AND receiver_kind = ? AND read_status = ?",
			owner.PrincipalID, owner.Kind, false).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Conversation returns the most recent messages exchanged between the
// two identities in either direction, newest first.
func (s *Store) Conversation(ctx context.Context, a, b identity.Identity, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultConversationLimit
	}
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("(sender_id = ? AND sender_kind = ? AND receiver_id = ? AND receiver_kind = ?)"+
			" OR (sender_id = ? AND sender_kind = ? AND receiver_id = ? AND receiver_kind = ?)",
			a.PrincipalID, a.Kind, b.PrincipalID, b.Kind,
			b.PrincipalID, b.Kind, a.PrincipalID, a.Kind).
		Order("created_at_s DESC, id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}
