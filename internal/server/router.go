package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexrelay/lexrelay/internal/auth"
	"github.com/lexrelay/lexrelay/internal/identity"
	"github.com/lexrelay/lexrelay/internal/messaging"
	"github.com/lexrelay/lexrelay/internal/presence"
	"github.com/lexrelay/lexrelay/internal/signaling"
)

const (
	principalContextKey = "lexrelay_principal"
	observerContextKey  = "lexrelay_observer"

	defaultSendBuffer = 32
)

var (
	errMissingRegistry   = errors.New("presence registry dependency required")
	errMissingDispatcher = errors.New("message dispatcher dependency required")
	errMissingRelay      = errors.New("call relay dependency required")
	errMissingResolver   = errors.New("identity resolver dependency required")
	errMissingValidator  = errors.New("token validator dependency required")
	errMissingStore      = errors.New("message store dependency required")
)

// Dependencies wires the realtime components into the HTTP surface.
type Dependencies struct {
	Registry       *presence.Registry
	Dispatcher     *messaging.Dispatcher
	Relay          *signaling.Relay
	Resolver       *identity.Resolver
	TokenValidator *auth.TokenValidator
	MessageStore   *messaging.Store
	Logger         *zap.Logger
	SendBufferSize int
}

// NewHTTPHandler builds the router: health probe, websocket mount, and
// the authenticated read API clients hit after a refresh_conversations
// signal.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Relay == nil {
		return nil, errMissingRelay
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.TokenValidator == nil {
		return nil, errMissingValidator
	}
	if deps.MessageStore == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bufferSize := deps.SendBufferSize
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		registry:       deps.Registry,
		dispatcher:     deps.Dispatcher,
		relay:          deps.Relay,
		resolver:       deps.Resolver,
		validator:      deps.TokenValidator,
		store:          deps.MessageStore,
		logger:         logger,
		sendBufferSize: bufferSize,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebsocket)

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.GET("/messages/conversation", handler.handleConversation)
	api.GET("/messages/unread-count", handler.handleUnreadCount)
	api.GET("/presence", handler.handlePresenceSnapshot)

	return router, nil
}

type httpHandler struct {
	registry       *presence.Registry
	dispatcher     *messaging.Dispatcher
	relay          *signaling.Relay
	resolver       *identity.Resolver
	validator      *auth.TokenValidator
	store          *messaging.Store
	logger         *zap.Logger
	sendBufferSize int
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	principal, err := claims.Identity()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Set(observerContextKey, claims.Observer)
	c.Next()
}

func (h *httpHandler) handleConversation(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	kind, err := identity.ParseKind(c.Query("partner_kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_partner_kind"})
		return
	}
	address, err := partnerAddress(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_partner"})
		return
	}
	partner, err := h.resolver.Resolve(c.Request.Context(), address, kind)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "partner_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution_failed"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	messages, err := h.store.Conversation(c.Request.Context(), principal, partner, limit)
	if err != nil {
		h.logger.Error("conversation query failed",
			zap.String("identity", principal.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	count, err := h.store.UnreadCount(c.Request.Context(), principal)
	if err != nil {
		h.logger.Error("unread count query failed",
			zap.String("identity", principal.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

type presenceEntryPayload struct {
	Identity           identity.Identity  `json:"identity"`
	DisplayName        string             `json:"display_name"`
	ConnectedAtSeconds int64              `json:"connected_at_s"`
	CallState          string             `json:"call_state"`
	CallPartner        *identity.Identity `json:"call_partner,omitempty"`
	CallStartedSeconds int64              `json:"call_started_at_s,omitempty"`
}

// handlePresenceSnapshot exposes connected principals and their call
// state to observer-entitled tokens. This backs the admin console; there
// is no durable session store behind it.
func (h *httpHandler) handlePresenceSnapshot(c *gin.Context) {
	if observer, ok := c.Get(observerContextKey); !ok || observer != true {
		c.JSON(http.StatusForbidden, gin.H{"error": "observer_role_required"})
		return
	}

	entries := h.registry.Snapshot()
	payload := make([]presenceEntryPayload, 0, len(entries))
	for _, entry := range entries {
		item := presenceEntryPayload{
			Identity:           entry.Identity,
			DisplayName:        entry.DisplayName,
			ConnectedAtSeconds: entry.ConnectedAt.Unix(),
			CallState:          "idle",
		}
		if entry.CallSessionID != uuid.Nil {
			if session, ok := h.relay.SessionFor(entry.Identity); ok {
				item.CallState = string(session.State)
				partner := session.Counterpart(entry.Identity)
				item.CallPartner = &partner
				if !session.StartedAt.IsZero() {
					item.CallStartedSeconds = session.StartedAt.Unix()
				}
			}
		}
		payload = append(payload, item)
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func principalFromContext(c *gin.Context) (identity.Identity, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return identity.Identity{}, false
	}
	principal, ok := value.(identity.Identity)
	return principal, ok
}

func partnerAddress(c *gin.Context) (identity.Address, error) {
	if raw := c.Query("partner_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return identity.Address{}, err
		}
		return identity.AddressByInternalID(id), nil
	}
	if publicID := c.Query("partner_public_id"); publicID != "" {
		return identity.AddressByPublicID(publicID), nil
	}
	return identity.Address{}, errors.New("partner address required")
}
