package server

import (
	"encoding/json"

	"github.com/lexrelay/lexrelay/internal/identity"
)

// Inbound events accepted over the websocket. The set is closed; unknown
// events are logged and dropped.
const (
	EventSendMessage     = "send_message"
	EventMarkAsRead      = "mark_as_read"
	EventTyping          = "typing"
	EventStopTyping      = "stop_typing"
	EventVoiceCallOffer  = "voice_call_offer"
	EventVoiceCallAnswer = "voice_call_answer"
	EventICECandidate    = "ice_candidate"
	EventEndCall         = "end_call"
	EventCallRejected    = "call_rejected"
)

// Outbound error events. Errors caused by a participant's own action go
// only to that participant's transport.
const (
	EventMessageError = "message_error"
	EventCallError    = "call_error"
)

// Error codes carried by message_error and call_error payloads.
const (
	ErrorCodeRecipientNotFound    = "recipient_not_found"
	ErrorCodeRecipientUnavailable = "recipient_unavailable"
	ErrorCodePersistenceFailure   = "persistence_failure"
	ErrorCodeInvalidPayload       = "invalid_payload"
)

// inboundEnvelope frames every client-to-server websocket message.
type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outboundEnvelope frames every server-to-client websocket message.
type outboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

type sendMessagePayload struct {
	ReceiverAddress identity.Address `json:"receiver_address"`
	ReceiverKind    string           `json:"receiver_kind"`
	Content         string           `json:"content"`
	MessageType     string           `json:"message_type,omitempty"`
	FileURL         string           `json:"file_url,omitempty"`
	FileName        string           `json:"file_name,omitempty"`
	FileSize        int64            `json:"file_size,omitempty"`
}

// markAsReadPayload carries either an explicit id set or a partner sweep.
// The owner is always the connection's own identity.
type markAsReadPayload struct {
	MessageIDs     []int64          `json:"message_ids,omitempty"`
	PartnerAddress identity.Address `json:"partner_address,omitempty"`
	PartnerKind    string           `json:"partner_kind,omitempty"`
}

type typingPayload struct {
	To     identity.Address `json:"to"`
	ToKind string           `json:"to_kind"`
}

// callSignalPayload covers all four call events. The wire-level "from"
// is ignored; the connection's authenticated identity is authoritative.
type callSignalPayload struct {
	To        identity.Identity `json:"to"`
	SDP       json.RawMessage   `json:"sdp,omitempty"`
	Candidate json.RawMessage   `json:"candidate,omitempty"`
}
