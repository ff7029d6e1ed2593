package messaging

import (
	"github.com/lexrelay/lexrelay/internal/identity"
)

// MessageType enumerates supported message bodies.
type MessageType string

const (
	// MessageTypeText is a plain text message.
	MessageTypeText MessageType = "text"
	// MessageTypeFile references an already-uploaded attachment.
	MessageTypeFile MessageType = "file"
)

// Message is the persisted chat message. Rows are append-only; only
// read_status ever changes after insert.
type Message struct {
	ID               int64         `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PublicID         string        `gorm:"column:public_id;size:36;not null;uniqueIndex" json:"public_id"`
	SenderID         int64         `gorm:"column:sender_id;not null;index:idx_messages_sender,priority:1" json:"sender_id"`
	SenderKind       identity.Kind `gorm:"column:sender_kind;size:16;not null;index:idx_messages_sender,priority:2" json:"sender_kind"`
	ReceiverID       int64         `gorm:"column:receiver_id;not null;index:idx_messages_receiver,priority:1" json:"receiver_id"`
	ReceiverKind     identity.Kind `gorm:"column:receiver_kind;size:16;not null;index:idx_messages_receiver,priority:2" json:"receiver_kind"`
	Content          string        `gorm:"column:content;type:text;not null" json:"content"`
	MessageType      MessageType   `gorm:"column:message_type;size:16;not null;default:'text'" json:"message_type"`
	FileURL          string        `gorm:"column:file_url;type:text;not null;default:''" json:"file_url,omitempty"`
	FileName         string        `gorm:"column:file_name;size:255;not null;default:''" json:"file_name,omitempty"`
	FileSize         int64         `gorm:"column:file_size;not null;default:0" json:"file_size,omitempty"`
	ReadStatus       bool          `gorm:"column:read_status;not null;default:false;index:idx_messages_receiver,priority:3" json:"read_status"`
	CreatedAtSeconds int64         `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}

// Sender returns the sending identity.
func (m Message) Sender() identity.Identity {
	return identity.Identity{PrincipalID: m.SenderID, Kind: m.SenderKind}
}

// Receiver returns the receiving identity.
func (m Message) Receiver() identity.Identity {
	return identity.Identity{PrincipalID: m.ReceiverID, Kind: m.ReceiverKind}
}
