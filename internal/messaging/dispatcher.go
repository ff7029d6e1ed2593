package messaging

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lexrelay/lexrelay/internal/identity"
	"github.com/lexrelay/lexrelay/internal/presence"
)

// Events pushed by the dispatcher over the transport fabric.
const (
	// EventReceiveMessage carries a persisted message to its receiver.
	EventReceiveMessage = "receive_message"
	// EventMessageSent acks a persisted message back to its sender.
	EventMessageSent = "message_sent"
	// EventRefreshConversations tells a client to re-fetch its
	// conversation summaries.
	EventRefreshConversations = "refresh_conversations"
	// EventUnreadCountUpdate pushes a freshly computed unread total.
	EventUnreadCountUpdate = "unread_count_update"
	// EventUserTyping relays an ephemeral typing indicator.
	EventUserTyping = "user_typing"
)

var (
	// ErrRecipientNotFound indicates the receiver address resolved to no
	// known principal. Surfaced to the sender only.
	ErrRecipientNotFound = errors.New("messaging: recipient not found")
	// ErrPersistence indicates the storage collaborator rejected the
	// message. The send is aborted with no delivery attempt.
	ErrPersistence = errors.New("messaging: persistence failure")

	errMissingResolver = errors.New("messaging: identity resolver is required")
	errMissingRegistry = errors.New("messaging: presence registry is required")
	errMissingStore    = errors.New("messaging: message store is required")
)

// MessageInput is the sender-supplied body of an outbound message.
type MessageInput struct {
	Content     string
	MessageType MessageType
	FileURL     string
	FileName    string
	FileSize    int64
}

// UnreadCountPayload is the body of an unread_count_update push.
type UnreadCountPayload struct {
	Count int64 `json:"count"`
}

// TypingPayload is the body of a user_typing push.
type TypingPayload struct {
	From     identity.Identity `json:"from"`
	IsTyping bool              `json:"is_typing"`
}

// DispatcherConfig describes the collaborators of the dispatcher.
type DispatcherConfig struct {
	Resolver *identity.Resolver
	Registry *presence.Registry
	Store    *Store
	Logger   *zap.Logger
}

// Dispatcher routes outbound messages: it persists first, then performs
// best-effort live delivery and count refreshes through the presence
// registry. It also relays typing indicators, which are never persisted.
type Dispatcher struct {
	resolver *identity.Resolver
	registry *presence.Registry
	store    *Store
	logger   *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		resolver: cfg.Resolver,
		registry: cfg.Registry,
		store:    cfg.Store,
		logger:   logger,
	}, nil
}

// Send resolves the receiver, persists the message, and delivers it.
// The message is durably recorded before any live push; if persistence
// fails nothing is delivered and the error is reported to the caller,
// which surfaces it to the sender's transport only. An offline receiver
// is not an error: the message waits for the next history fetch.
func (d *Dispatcher) Send(ctx context.Context, sender identity.Identity, receiverAddress identity.Address, receiverKind identity.Kind, input MessageInput) (*Message, error) {
	receiver, err := d.resolver.Resolve(ctx, receiverAddress, receiverKind)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) || errors.Is(err, identity.ErrEmptyAddress) {
			return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, receiverAddress.String())
		}
		return nil, err
	}

	message := &Message{
		SenderID:     sender.PrincipalID,
		SenderKind:   sender.Kind,
		ReceiverID:   receiver.PrincipalID,
		ReceiverKind: receiver.Kind,
		Content:      input.Content,
		MessageType:  input.MessageType,
		FileURL:      input.FileURL,
		FileName:     input.FileName,
		FileSize:     input.FileSize,
	}
	if err := d.store.Insert(ctx, message); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	d.deliverToReceiver(ctx, receiver, message)

	if entry, online := d.registry.Lookup(sender); online {
		entry.Transport.Push(EventMessageSent, message)
		entry.Transport.Push(EventRefreshConversations, nil)
	}

	return message, nil
}

// MarkRead marks the given message ids read and pushes the owner's new
// unread count if the owner is online.
func (d *Dispatcher) MarkRead(ctx context.Context, owner identity.Identity, messageIDs []int64) error {
	if _, err := d.store.MarkRead(ctx, messageIDs); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	d.pushUnreadCount(ctx, owner)
	return nil
}

// MarkReadByPartner marks every unread message from the partner read and
// pushes the owner's new unread count if the owner is online.
func (d *Dispatcher) MarkReadByPartner(ctx context.Context, owner, partner identity.Identity) error {
	if _, err := d.store.MarkReadByPartner(ctx, owner, partner); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	d.pushUnreadCount(ctx, owner)
	return nil
}

// PushUnreadCount recomputes and pushes the identity's unread count.
// Used on connect so a client starts with an accurate badge.
func (d *Dispatcher) PushUnreadCount(ctx context.Context, owner identity.Identity) {
	d.pushUnreadCount(ctx, owner)
}

// NotifyTyping relays a typing indicator to the addressed principal.
// Best-effort: resolution failures and offline targets are silently
// dropped, typing signals are never persisted or queued.
func (d *Dispatcher) NotifyTyping(ctx context.Context, from identity.Identity, toAddress identity.Address, toKind identity.Kind, isTyping bool) {
	target, err := d.resolver.Resolve(ctx, toAddress, toKind)
	if err != nil {
		d.logger.Debug("typing target unresolved",
			zap.String("address", toAddress.String()),
			zap.Error(err))
		return
	}
	entry, online := d.registry.Lookup(target)
	if !online {
		return
	}
	entry.Transport.Push(EventUserTyping, TypingPayload{From: from, IsTyping: isTyping})
}

func (d *Dispatcher) deliverToReceiver(ctx context.Context, receiver identity.Identity, message *Message) {
	count, err := d.store.UnreadCount(ctx, receiver)
	if err != nil {
		d.logger.Warn("unread recount failed",
			zap.String("identity", receiver.String()),
			zap.Error(err))
		count = -1
	}

	// Presence is re-checked after the count query; the receiver may
	// have disconnected while it ran.
	entry, online := d.registry.Lookup(receiver)
	if !online {
		return
	}
	entry.Transport.Push(EventReceiveMessage, message)
	entry.Transport.Push(EventRefreshConversations, nil)
	if count >= 0 {
		entry.Transport.Push(EventUnreadCountUpdate, UnreadCountPayload{Count: count})
	}
}

func (d *Dispatcher) pushUnreadCount(ctx context.Context, owner identity.Identity) {
	count, err := d.store.UnreadCount(ctx, owner)
	if err != nil {
		d.logger.Warn("unread recount failed",
			zap.String("identity", owner.String()),
			zap.Error(err))
		return
	}
	entry, online := d.registry.Lookup(owner)
	if !online {
		return
	}
	entry.Transport.Push(EventUnreadCountUpdate, UnreadCountPayload{Count: count})
}
