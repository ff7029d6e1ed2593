package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexrelay/lexrelay/internal/identity"
	"github.com/lexrelay/lexrelay/internal/messaging"
	"github.com/lexrelay/lexrelay/internal/signaling"
)

const wsWriteTimeout = 10 * time.Second

// wsClient is the presence.Transport implementation over a websocket
// connection. Pushes enqueue into a buffered channel drained by a single
// writer goroutine; a full buffer drops the frame rather than blocking
// an event handler on a slow consumer.
type wsClient struct {
	conn      *websocket.Conn
	send      chan outboundEnvelope
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newWSClient(conn *websocket.Conn, bufferSize int, logger *zap.Logger) *wsClient {
	return &wsClient{
		conn:   conn,
		send:   make(chan outboundEnvelope, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Push enqueues a frame for delivery. Never blocks.
func (c *wsClient) Push(event string, payload any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- outboundEnvelope{Event: event, Data: payload}:
		return true
	default:
		c.logger.Warn("send buffer full, frame dropped", zap.String("event", event))
		return false
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *wsClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "")
		}
	})
}

func (c *wsClient) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				c.logger.Error("outbound frame marshal failed",
					zap.String("event", frame.Event), zap.Error(err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// handleWebsocket upgrades the connection and runs its event loop. The
// connect token must already carry a trusted identity; this handler does
// no authentication of its own beyond validating the token.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = bearerToken(c)
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		c.JSON(401, gin.H{"error": "unauthorized"})
		return
	}
	principal, err := claims.Identity()
	if err != nil {
		c.JSON(401, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	client := newWSClient(conn, h.sendBufferSize, h.logger)
	go client.writePump()

	ctx := context.Background()

	displayName, err := h.resolver.DisplayName(ctx, principal)
	if err != nil || displayName == "" {
		displayName = claims.DisplayName
	}

	forfeited, replaced := h.registry.Connect(principal, displayName, client)
	if replaced && forfeited != uuid.Nil {
		// A reconnect discards the previous entry wholesale, which
		// forfeits any call it was part of.
		h.relay.HandleDisconnect(ctx, principal, forfeited)
	}
	if claims.Observer {
		h.relay.RegisterObserver(client)
	}
	h.dispatcher.PushUnreadCount(ctx, principal)
	h.logger.Info("client connected",
		zap.String("identity", principal.String()),
		zap.Bool("observer", claims.Observer))

	h.readLoop(ctx, conn, client, principal)

	h.relay.UnregisterObserver(client)
	if entry, ok := h.registry.Disconnect(client); ok && entry.CallSessionID != uuid.Nil {
		h.relay.HandleDisconnect(ctx, entry.Identity, entry.CallSessionID)
	}
	client.Close()
	h.logger.Info("client disconnected", zap.String("identity", principal.String()))
}

func (h *httpHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *wsClient, principal identity.Identity) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var envelope inboundEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			h.logger.Warn("malformed inbound frame",
				zap.String("identity", principal.String()), zap.Error(err))
			continue
		}
		h.dispatch(ctx, client, principal, envelope)
	}
}

// dispatch routes one inbound event to the owning component. Each case
// runs to completion before the next frame is read, so every multi-step
// mutation a handler performs is a single logical step for this
// connection.
func (h *httpHandler) dispatch(ctx context.Context, client *wsClient, principal identity.Identity, envelope inboundEnvelope) {
	switch envelope.Event {
	case EventSendMessage:
		h.handleSendMessage(ctx, client, principal, envelope.Data)
	case EventMarkAsRead:
		h.handleMarkAsRead(ctx, principal, envelope.Data)
	case EventTyping, EventStopTyping:
		h.handleTyping(ctx, principal, envelope.Data, envelope.Event == EventTyping)
	case EventVoiceCallOffer:
		h.handleCallOffer(ctx, client, principal, envelope.Data)
	case EventVoiceCallAnswer:
		h.handleCallAnswer(ctx, principal, envelope.Data)
	case EventCallRejected:
		h.handleCallReject(ctx, principal, envelope.Data)
	case EventICECandidate:
		h.handleCandidate(ctx, principal, envelope.Data)
	case EventEndCall:
		h.handleEndCall(ctx, principal, envelope.Data)
	default:
		h.logger.Warn("unknown inbound event",
			zap.String("identity", principal.String()),
			zap.String("event", envelope.Event))
	}
}

func (h *httpHandler) handleSendMessage(ctx context.Context, client *wsClient, principal identity.Identity, data json.RawMessage) {
	var payload sendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		client.Push(EventMessageError, errorPayload{Error: ErrorCodeInvalidPayload})
		return
	}
	kind, err := identity.ParseKind(payload.ReceiverKind)
	if err != nil {
		client.Push(EventMessageError, errorPayload{Error: ErrorCodeInvalidPayload})
		return
	}
	input := messaging.MessageInput{
		Content:     payload.Content,
		MessageType: messaging.MessageType(payload.MessageType),
		FileURL:     payload.FileURL,
		FileName:    payload.FileName,
		FileSize:    payload.FileSize,
	}
	if _, err := h.dispatcher.Send(ctx, principal, payload.ReceiverAddress, kind, input); err != nil {
		switch {
		case errors.Is(err, messaging.ErrRecipientNotFound):
			client.Push(EventMessageError, errorPayload{Error: ErrorCodeRecipientNotFound})
		case errors.Is(err, messaging.ErrPersistence):
			client.Push(EventMessageError, errorPayload{Error: ErrorCodePersistenceFailure})
		default:
			h.logger.Error("send failed",
				zap.String("identity", principal.String()), zap.Error(err))
			client.Push(EventMessageError, errorPayload{Error: ErrorCodePersistenceFailure})
		}
	}
}

func (h *httpHandler) handleMarkAsRead(ctx context.Context, principal identity.Identity, data json.RawMessage) {
	var payload markAsReadPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.logger.Warn("malformed mark_as_read",
			zap.String("identity", principal.String()), zap.Error(err))
		return
	}
	if len(payload.MessageIDs) > 0 {
		if err := h.dispatcher.MarkRead(ctx, principal, payload.MessageIDs); err != nil {
			h.logger.Warn("mark read failed",
				zap.String("identity", principal.String()), zap.Error(err))
		}
		return
	}
	kind, err := identity.ParseKind(payload.PartnerKind)
	if err != nil {
		return
	}
	partner, err := h.resolver.Resolve(ctx, payload.PartnerAddress, kind)
	if err != nil {
		h.logger.Warn("mark read partner unresolved",
			zap.String("identity", principal.String()), zap.Error(err))
		return
	}
	if err := h.dispatcher.MarkReadByPartner(ctx, principal, partner); err != nil {
		h.logger.Warn("mark read failed",
			zap.String("identity", principal.String()), zap.Error(err))
	}
}

func (h *httpHandler) handleTyping(ctx context.Context, principal identity.Identity, data json.RawMessage, isTyping bool) {
	var payload typingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	kind, err := identity.ParseKind(payload.ToKind)
	if err != nil {
		return
	}
	h.dispatcher.NotifyTyping(ctx, principal, payload.To, kind, isTyping)
}

func (h *httpHandler) handleCallOffer(ctx context.Context, client *wsClient, principal identity.Identity, data json.RawMessage) {
	var payload callSignalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		client.Push(EventCallError, errorPayload{Error: ErrorCodeInvalidPayload})
		return
	}
	if err := h.relay.Offer(ctx, principal, payload.To, payload.SDP); err != nil {
		if errors.Is(err, signaling.ErrRecipientUnavailable) {
			client.Push(EventCallError, errorPayload{Error: ErrorCodeRecipientUnavailable})
		}
		// Stale offers are dropped silently; the relay already logged.
	}
}

func (h *httpHandler) handleCallAnswer(ctx context.Context, principal identity.Identity, data json.RawMessage) {
	var payload callSignalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	_ = h.relay.Answer(ctx, principal, payload.To, payload.SDP)
}

func (h *httpHandler) handleCallReject(ctx context.Context, principal identity.Identity, data json.RawMessage) {
	var payload callSignalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	_ = h.relay.Reject(ctx, principal, payload.To)
}

func (h *httpHandler) handleCandidate(ctx context.Context, principal identity.Identity, data json.RawMessage) {
	var payload callSignalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	_ = h.relay.Candidate(ctx, principal, payload.To, payload.Candidate)
}

func (h *httpHandler) handleEndCall(ctx context.Context, principal identity.Identity, data json.RawMessage) {
	var payload callSignalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	_ = h.relay.End(ctx, principal, payload.To)
}
