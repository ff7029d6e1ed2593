package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lexrelay/lexrelay/internal/identity"
	"github.com/lexrelay/lexrelay/internal/presence"
)

// Events relayed or emitted by the call signaling relay.
const (
	EventVoiceCallOffer  = "voice_call_offer"
	EventVoiceCallAnswer = "voice_call_answer"
	EventICECandidate    = "ice_candidate"
	EventCallEnded       = "call_ended"
	EventCallRejected    = "call_rejected"
	EventAdminCallUpdate = "admin_call_update"
)

const (
	AdminCallStarted = "call_started"
	AdminCallEnded   = "call_ended"
)

var (
	// ErrRecipientUnavailable indicates the callee holds no live
	// connection; call offers fail immediately instead of queuing.
	ErrRecipientUnavailable = errors.New("signaling: recipient unavailable")
	// ErrStaleCallState indicates an event referencing a pair not in the
	// expected state, such as an answer with no matching offer. Stale
	// events are dropped; nothing is relayed to either party.
	ErrStaleCallState = errors.New("signaling: stale call state")

	errMissingRegistry = errors.New("signaling: presence registry is required")
)

// OfferPayload is relayed to the callee.
type OfferPayload struct {
	From     identity.Identity `json:"from"`
	FromName string            `json:"from_name"`
	SDP      json.RawMessage   `json:"sdp"`
}

// AnswerPayload is relayed to the caller.
type AnswerPayload struct {
	From identity.Identity `json:"from"`
	SDP  json.RawMessage   `json:"sdp"`
}

// CandidatePayload is relayed to the named counterpart.
type CandidatePayload struct {
	From      identity.Identity `json:"from"`
	Candidate json.RawMessage   `json:"candidate"`
}

// PeerPayload names the participant an event originates from.
type PeerPayload struct {
	From identity.Identity `json:"from"`
}

// CallParticipant is one side of a call in an observer broadcast.
type CallParticipant struct {
	Identity    identity.Identity `json:"identity"`
	DisplayName string            `json:"display_name"`
}

// AdminCallPayload is the body of an admin_call_update broadcast. Only
// transports registered as observers receive it.
type AdminCallPayload struct {
	Type             string            `json:"type"`
	SessionID        string            `json:"session_id"`
	Participants     []CallParticipant `json:"participants"`
	StartTimeSeconds int64             `json:"start_time_s,omitempty"`
}

// RelayConfig describes the collaborators of the relay.
type RelayConfig struct {
	Registry *presence.Registry
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Relay drives the two-party call state machine and forwards WebRTC
// signaling between live transports. It owns every CallSession; the
// presence registry only carries session ids, written exclusively from
// inside the relay's critical sections. Each principal is linked to at
// most one session: a newer offer supersedes the caller's pending one,
// and offers from a principal already in an active call are stale.
type Relay struct {
	registry *presence.Registry
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger

	mu        sync.Mutex
	sessions  map[uuid.UUID]*CallSession
	observers map[presence.Transport]struct{}
}

// NewRelay constructs a Relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		registry:  cfg.Registry,
		db:        cfg.Database,
		clock:     clock,
		logger:    logger,
		sessions:  make(map[uuid.UUID]*CallSession),
		observers: make(map[presence.Transport]struct{}),
	}, nil
}

// RegisterObserver opts a transport into admin_call_update broadcasts.
// Entitlement is decided at connect time from the connect token's role.
func (r *Relay) RegisterObserver(transport presence.Transport) {
	r.mu.Lock()
	r.observers[transport] = struct{}{}
	r.mu.Unlock()
}

// UnregisterObserver removes a transport from the observer set.
func (r *Relay) UnregisterObserver(transport presence.Transport) {
	r.mu.Lock()
	delete(r.observers, transport)
	r.mu.Unlock()
}

// Offer starts a call from caller to callee. An offline callee fails the
// offer immediately back to the caller; nothing is queued and no state
// is left behind. A caller with a pending offer toward someone else
// implicitly cancels it; a caller already in an active call is refused.
func (r *Relay) Offer(ctx context.Context, caller, callee identity.Identity, sdp json.RawMessage) error {
	r.mu.Lock()

	calleeEntry, online := r.registry.Lookup(callee)
	if !online {
		r.mu.Unlock()
		return ErrRecipientUnavailable
	}
	callerEntry, online := r.registry.Lookup(caller)
	if !online {
		// The caller's connection died while this event was in flight.
		r.mu.Unlock()
		return ErrStaleCallState
	}

	var superseded *CallSession
	if callerEntry.CallSessionID != uuid.Nil {
		existing, ok := r.sessions[callerEntry.CallSessionID]
		if ok && (existing.State != StateRinging || existing.Caller != caller) {
			r.mu.Unlock()
			return ErrStaleCallState
		}
		if ok {
			r.teardownLocked(existing)
			superseded = existing
		}
	}

	sessionID, err := uuid.NewV7()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	session := &CallSession{
		ID:         sessionID,
		Caller:     caller,
		Callee:     callee,
		CallerName: callerEntry.DisplayName,
		CalleeName: calleeEntry.DisplayName,
		State:      StateRinging,
		CreatedAt:  r.clock().UTC(),
	}
	if err := r.registry.SetCallSession(caller, sessionID); err != nil {
		r.mu.Unlock()
		return ErrStaleCallState
	}
	r.sessions[sessionID] = session
	r.mu.Unlock()

	if superseded != nil {
		if entry, online := r.registry.Lookup(superseded.Callee); online {
			entry.Transport.Push(EventCallEnded, PeerPayload{From: caller})
		}
		r.appendRecord(ctx, superseded, OutcomeDropped)
	}
	calleeEntry.Transport.Push(EventVoiceCallOffer, OfferPayload{
		From:     caller,
		FromName: callerEntry.DisplayName,
		SDP:      sdp,
	})
	return nil
}

// Answer accepts a ringing offer. Both presence entries are linked to
// the session and the start time is fixed inside one critical section,
// then the answer is relayed to the caller and observers are told the
// call started.
func (r *Relay) Answer(ctx context.Context, callee, caller identity.Identity, sdp json.RawMessage) error {
	r.mu.Lock()

	session, callerEntry, err := r.ringingSessionLocked(caller, callee)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("answer dropped",
			zap.String("caller", caller.String()),
			zap.String("callee", callee.String()),
			zap.Error(err))
		return err
	}

	if err := r.registry.SetCallSession(callee, session.ID); err != nil {
		// Callee vanished between sending the answer and now; forfeit.
		r.teardownLocked(session)
		r.mu.Unlock()
		r.appendRecord(ctx, session, OutcomeDropped)
		return ErrStaleCallState
	}
	session.State = StateActive
	session.StartedAt = r.clock().UTC()
	started := *session
	observerTargets := r.observerSnapshotLocked()
	r.mu.Unlock()

	callerEntry.Transport.Push(EventVoiceCallAnswer, AnswerPayload{From: callee, SDP: sdp})
	r.notifyObservers(observerTargets, AdminCallStarted, started)
	return nil
}

// Reject declines a ringing offer. The session is discarded, the caller
// is told, and the callee side never leaves idle.
func (r *Relay) Reject(ctx context.Context, callee, caller identity.Identity) error {
	r.mu.Lock()

	session, callerEntry, err := r.ringingSessionLocked(caller, callee)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("reject dropped",
			zap.String("caller", caller.String()),
			zap.String("callee", callee.String()),
			zap.Error(err))
		return err
	}
	r.teardownLocked(session)
	r.mu.Unlock()

	callerEntry.Transport.Push(EventCallRejected, PeerPayload{From: callee})
	r.appendRecord(ctx, session, OutcomeRejected)
	return nil
}

// Candidate relays an ICE candidate to the counterpart. The pair must
// share a live session (ringing or active); candidates arriving after
// teardown are stale and dropped.
func (r *Relay) Candidate(ctx context.Context, from, to identity.Identity, candidate json.RawMessage) error {
	r.mu.Lock()
	session := r.sessionForPairLocked(from, to)
	r.mu.Unlock()
	if session == nil {
		r.logger.Warn("ice candidate dropped",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Error(ErrStaleCallState))
		return ErrStaleCallState
	}

	entry, online := r.registry.Lookup(to)
	if !online {
		return ErrRecipientUnavailable
	}
	entry.Transport.Push(EventICECandidate, CandidatePayload{From: from, Candidate: candidate})
	return nil
}

// End tears down the session between the two identities. The counterpart
// receives a single call_ended; the ender never hears its own hang-up.
func (r *Relay) End(ctx context.Context, ender, other identity.Identity) error {
	r.mu.Lock()

	session := r.sessionForLocked(ender)
	if session == nil || session.Counterpart(ender) != other {
		r.mu.Unlock()
		r.logger.Warn("end_call dropped",
			zap.String("ender", ender.String()),
			zap.String("other", other.String()),
			zap.Error(ErrStaleCallState))
		return ErrStaleCallState
	}
	wasActive := session.State == StateActive
	r.teardownLocked(session)
	var observerTargets []presence.Transport
	if wasActive {
		observerTargets = r.observerSnapshotLocked()
	}
	r.mu.Unlock()

	if entry, online := r.registry.Lookup(other); online {
		entry.Transport.Push(EventCallEnded, PeerPayload{From: ender})
	}
	outcome := OutcomeDropped
	if wasActive {
		outcome = OutcomeCompleted
		r.notifyObservers(observerTargets, AdminCallEnded, *session)
	}
	r.appendRecord(ctx, session, outcome)
	return nil
}

// HandleDisconnect tears down the session a vanished principal was part
// of. The surviving party sees one call_ended, indistinguishable from a
// deliberate hang-up. Cleanup is silent: there is no one to report
// errors to.
func (r *Relay) HandleDisconnect(ctx context.Context, gone identity.Identity, sessionID uuid.UUID) {
	if sessionID == uuid.Nil {
		return
	}
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok || !session.Involves(gone) {
		r.mu.Unlock()
		return
	}
	wasActive := session.State == StateActive
	r.teardownLocked(session)
	var observerTargets []presence.Transport
	if wasActive {
		observerTargets = r.observerSnapshotLocked()
	}
	r.mu.Unlock()

	survivor := session.Counterpart(gone)
	if entry, online := r.registry.Lookup(survivor); online {
		entry.Transport.Push(EventCallEnded, PeerPayload{From: gone})
	}
	if wasActive {
		r.notifyObservers(observerTargets, AdminCallEnded, *session)
	}
	r.appendRecord(ctx, session, OutcomeDropped)
}

// SessionFor returns a copy of the session the identity participates in.
func (r *Relay) SessionFor(id identity.Identity) (CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := r.sessionForLocked(id)
	if session == nil {
		return CallSession{}, false
	}
	return *session, true
}

// Sessions returns a copy of every live session, oldest first.
func (r *Relay) Sessions() []CallSession {
	r.mu.Lock()
	sessions := make([]CallSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, *session)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// ringingSessionLocked locates the ringing session the caller initiated
// toward the callee, via the caller's presence reference.
func (r *Relay) ringingSessionLocked(caller, callee identity.Identity) (*CallSession, presence.Entry, error) {
	callerEntry, online := r.registry.Lookup(caller)
	if !online || callerEntry.CallSessionID == uuid.Nil {
		return nil, presence.Entry{}, ErrStaleCallState
	}
	session, ok := r.sessions[callerEntry.CallSessionID]
	if !ok || session.State != StateRinging || session.Caller != caller || session.Callee != callee {
		return nil, presence.Entry{}, ErrStaleCallState
	}
	return session, callerEntry, nil
}

// sessionForPairLocked finds the session shared by the two identities.
// During ringing only the caller's entry is linked, so both refs are
// consulted.
func (r *Relay) sessionForPairLocked(a, b identity.Identity) *CallSession {
	if session := r.sessionForLocked(a); session != nil && session.Involves(b) {
		return session
	}
	if session := r.sessionForLocked(b); session != nil && session.Involves(a) {
		return session
	}
	return nil
}

func (r *Relay) sessionForLocked(id identity.Identity) *CallSession {
	entry, online := r.registry.Lookup(id)
	if !online || entry.CallSessionID == uuid.Nil {
		return nil
	}
	session, ok := r.sessions[entry.CallSessionID]
	if !ok || !session.Involves(id) {
		return nil
	}
	return session
}

func (r *Relay) teardownLocked(session *CallSession) {
	r.registry.ClearCallSession(session.Caller, session.ID)
	r.registry.ClearCallSession(session.Callee, session.ID)
	delete(r.sessions, session.ID)
}

func (r *Relay) observerSnapshotLocked() []presence.Transport {
	targets := make([]presence.Transport, 0, len(r.observers))
	for transport := range r.observers {
		targets = append(targets, transport)
	}
	return targets
}

func (r *Relay) notifyObservers(targets []presence.Transport, updateType string, session CallSession) {
	payload := AdminCallPayload{
		Type:      updateType,
		SessionID: session.ID.String(),
		Participants: []CallParticipant{
			{Identity: session.Caller, DisplayName: session.CallerName},
			{Identity: session.Callee, DisplayName: session.CalleeName},
		},
	}
	if !session.StartedAt.IsZero() {
		payload.StartTimeSeconds = session.StartedAt.Unix()
	}
	for _, target := range targets {
		target.Push(EventAdminCallUpdate, payload)
	}
}

func (r *Relay) appendRecord(ctx context.Context, session *CallSession, outcome Outcome) {
	if r.db == nil {
		return
	}
	recordID, err := uuid.NewV7()
	if err != nil {
		r.logger.Warn("call record id generation failed", zap.Error(err))
		return
	}
	record := CallRecord{
		RecordID:       recordID.String(),
		SessionID:      session.ID.String(),
		CallerID:       session.Caller.PrincipalID,
		CallerKind:     session.Caller.Kind,
		CalleeID:       session.Callee.PrincipalID,
		CalleeKind:     session.Callee.Kind,
		EndedAtSeconds: r.clock().UTC().Unix(),
		Outcome:        outcome,
	}
	if !session.StartedAt.IsZero() {
		record.StartedAtSeconds = session.StartedAt.Unix()
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		r.logger.Warn("call record insert failed",
			zap.String("session_id", session.ID.String()),
			zap.Error(err))
	}
}
