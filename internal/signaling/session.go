package signaling

import (
	"time"

	"github.com/google/uuid"

	"github.com/lexrelay/lexrelay/internal/identity"
)

// State is the lifecycle stage of a call session. A session only exists
// while a call is being set up or is live; teardown deletes it.
type State string

const (
	// StateRinging means the offer is in flight; only the caller side is
	// marked busy until the callee answers.
	StateRinging State = "ringing"
	// StateActive means both parties answered and media is flowing.
	StateActive State = "active"
)

// Outcome classifies a finished call for the history table.
type Outcome string

const (
	// OutcomeCompleted is an answered call ended by a hang-up.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRejected is an offer declined by the callee.
	OutcomeRejected Outcome = "rejected"
	// OutcomeDropped is a call torn down by cancellation or disconnect.
	OutcomeDropped Outcome = "dropped"
)

// CallSession is the single record of a pairwise call. The relay owns
// it exclusively; presence entries hold only its id. Because there is
// one record instead of mirrored per-participant state, the two sides
// cannot drift apart.
type CallSession struct {
	ID         uuid.UUID
	Caller     identity.Identity
	Callee     identity.Identity
	CallerName string
	CalleeName string
	State      State
	CreatedAt  time.Time
	StartedAt  time.Time
}

// Involves reports whether the identity is one of the two participants.
func (s CallSession) Involves(id identity.Identity) bool {
	return s.Caller == id || s.Callee == id
}

// Counterpart returns the other participant. The caller must already
// know id is a participant.
func (s CallSession) Counterpart(id identity.Identity) identity.Identity {
	if s.Caller == id {
		return s.Callee
	}
	return s.Caller
}

// CallRecord is the persisted history row appended when a session ends.
type CallRecord struct {
	RecordID         string        `gorm:"column:record_id;primaryKey;size:36;not null" json:"record_id"`
	SessionID        string        `gorm:"column:session_id;size:36;not null;index" json:"session_id"`
	CallerID         int64         `gorm:"column:caller_id;not null;index:idx_call_records_caller,priority:1" json:"caller_id"`
	CallerKind       identity.Kind `gorm:"column:caller_kind;size:16;not null;index:idx_call_records_caller,priority:2" json:"caller_kind"`
	CalleeID         int64         `gorm:"column:callee_id;not null;index:idx_call_records_callee,priority:1" json:"callee_id"`
	CalleeKind       identity.Kind `gorm:"column:callee_kind;size:16;not null;index:idx_call_records_callee,priority:2" json:"callee_kind"`
	StartedAtSeconds int64         `gorm:"column:started_at_s;not null;default:0" json:"started_at_s"`
	EndedAtSeconds   int64         `gorm:"column:ended_at_s;not null" json:"ended_at_s"`
	Outcome          Outcome       `gorm:"column:outcome;size:16;not null" json:"outcome"`
}

// TableName provides the explicit table binding for GORM.
func (CallRecord) TableName() string {
	return "call_records"
}
