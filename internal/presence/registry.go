package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexrelay/lexrelay/internal/identity"
)

// EventUserStatus announces presence changes to every connected transport.
const EventUserStatus = "user_status"

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ErrOffline indicates the identity holds no live connection.
var ErrOffline = errors.New("presence: identity offline")

// Transport is the live bidirectional connection held by a presence
// entry. Push is best-effort and must never block; it reports false when
// the frame was dropped because the connection buffer is full or closed.
type Transport interface {
	Push(event string, payload any) bool
	Close()
}

// StatusPayload is the body of a user_status broadcast.
type StatusPayload struct {
	Identity identity.Identity `json:"identity"`
	Status   string            `json:"status"`
}

// Entry is the registry's view of one connected principal. Call state
// lives in the signaling relay; the entry only carries the session id
// linking the principal to it.
type Entry struct {
	Identity      identity.Identity
	DisplayName   string
	Transport     Transport
	CallSessionID uuid.UUID
	ConnectedAt   time.Time
}

// InCall reports whether the entry is linked to a call session.
func (e Entry) InCall() bool {
	return e.CallSessionID != uuid.Nil
}

// Registry is the single source of truth for who is connected. All
// access goes through its methods; one mutex serializes every mutation
// so multi-step updates never expose intermediate states.
type Registry struct {
	mu      sync.Mutex
	entries map[identity.Identity]*Entry
	clock   func() time.Time
	logger  *zap.Logger
}

// RegistryConfig describes optional registry dependencies.
type RegistryConfig struct {
	Clock  func() time.Time
	Logger *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[identity.Identity]*Entry),
		clock:   clock,
		logger:  logger,
	}
}

// Connect inserts or replaces the entry for the identity and broadcasts
// an online status. A replaced entry is fully discarded: its transport is
// closed and any call session id it held is returned so the caller can
// tear the call down. Reconnecting never resumes a prior call.
func (r *Registry) Connect(id identity.Identity, displayName string, transport Transport) (uuid.UUID, bool) {
	r.mu.Lock()
	forfeited := uuid.Nil
	replaced := false
	var staleTransport Transport
	if previous, ok := r.entries[id]; ok {
		forfeited = previous.CallSessionID
		staleTransport = previous.Transport
		replaced = true
	}
	r.entries[id] = &Entry{
		Identity:    id,
		DisplayName: displayName,
		Transport:   transport,
		ConnectedAt: r.clock().UTC(),
	}
	targets := r.transportSnapshotLocked()
	r.mu.Unlock()

	if staleTransport != nil && staleTransport != transport {
		staleTransport.Close()
	}
	broadcastStatus(targets, id, StatusOnline)
	r.logger.Debug("presence connected",
		zap.String("identity", id.String()),
		zap.Bool("replaced", replaced))
	return forfeited, replaced
}

// Disconnect removes the entry owning the transport and broadcasts an
// offline status. A transport superseded by a reconnect no longer owns
// an entry and is ignored. The removed entry is returned so the caller
// can clean up any call session it was part of.
func (r *Registry) Disconnect(transport Transport) (Entry, bool) {
	r.mu.Lock()
	var removed Entry
	found := false
	for id, entry := range r.entries {
		if entry.Transport == transport {
			removed = *entry
			delete(r.entries, id)
			found = true
			break
		}
	}
	var targets []Transport
	if found {
		targets = r.transportSnapshotLocked()
	}
	r.mu.Unlock()

	if !found {
		return Entry{}, false
	}
	broadcastStatus(targets, removed.Identity, StatusOffline)
	r.logger.Debug("presence disconnected", zap.String("identity", removed.Identity.String()))
	return removed, true
}

// Lookup returns a copy of the entry for the identity.
func (r *Registry) Lookup(id identity.Identity) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// SetCallSession links the identity to a call session. Only the
// signaling relay calls this. It fails when the identity is offline so
// the relay never leaves a one-sided call behind.
func (r *Registry) SetCallSession(id identity.Identity, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return ErrOffline
	}
	entry.CallSessionID = sessionID
	return nil
}

// ClearCallSession unlinks the identity from the session. Entries not
// linked to that session are left alone; a clear against a different
// live session is stale and ignored.
func (r *Registry) ClearCallSession(id identity.Identity, sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.CallSessionID == uuid.Nil {
		return
	}
	if entry.CallSessionID != sessionID {
		r.logger.Warn("stale call session clear ignored",
			zap.String("identity", id.String()),
			zap.String("session_id", sessionID.String()))
		return
	}
	entry.CallSessionID = uuid.Nil
}

// Snapshot returns a copy of every entry, ordered by identity.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, *entry)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity.String() < entries[j].Identity.String()
	})
	return entries
}

func (r *Registry) transportSnapshotLocked() []Transport {
	targets := make([]Transport, 0, len(r.entries))
	for _, entry := range r.entries {
		targets = append(targets, entry.Transport)
	}
	return targets
}

func broadcastStatus(targets []Transport, id identity.Identity, status string) {
	payload := StatusPayload{Identity: id, Status: status}
	for _, target := range targets {
		target.Push(EventUserStatus, payload)
	}
}
