// Package proto is the single source of truth for the event vocabulary spoken
// with the realtime backend: inbound event names, outbound command names and
// the payload shapes carried by each.
package proto

import (
	"encoding/json"
	"errors"
	"strings"
)

// ── Inbound events ── backend → client ────────────────────────────────────────
const (
	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"

	EventIncomingCall     = "incoming_call"
	EventCallOffer        = "call_offer_received"
	EventCallAnswer       = "call_answer_received"
	EventCallICECandidate = "call_ice_candidate_received"
	EventCallAccepted     = "call_accepted"
	EventCallRejected     = "call_rejected"
	EventCallEnded        = "call_ended"
)

// ── Outbound commands ── client → backend ─────────────────────────────────────
const (
	CmdInitiateCall     = "initiate-call"
	CmdSendOffer        = "send-offer"
	CmdSendAnswer       = "send-answer"
	CmdSendICECandidate = "send-ice-candidate"
	CmdEndCall          = "end-call"
	CmdAcceptCall       = "accept-call"
	CmdRejectCall       = "reject-call"

	CmdTyping     = "typing"
	CmdStopTyping = "stop-typing"
)

// ── Local events ── published in-process, never sent on the wire ─────────────
const (
	// Connection lifecycle, published by conn.Manager.
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventConnectionError = "connection_error"

	// Call lifecycle, published by call.Controller.
	EventCallStateChanged       = "call_state_changed"
	EventCallParticipantUpdated = "call_participant_updated"
)

// IsLocal reports whether name is reserved for in-process events. Frames with
// these names arriving from the backend are dropped.
func IsLocal(name string) bool {
	switch name {
	case EventConnect, EventDisconnect, EventConnectionError,
		EventCallStateChanged, EventCallParticipantUpdated:
		return true
	}
	return false
}

// Call types.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// Reject reasons carried in reject-call / call_rejected payloads.
const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
)

// ── Wire frame ────────────────────────────────────────────────────────────────

// Frame is one JSON message on the realtime transport. Data is left encoded so
// the connection layer never interprets payloads.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ── Outbound payload ── every client → backend command ────────────────────────

// Outbound is the envelope of every outbound call command.
type Outbound struct {
	TargetUserID   string `json:"targetUserId"`
	ConversationID string `json:"conversationId,omitempty"`
	Payload        any    `json:"payload,omitempty"`
}

// Identity is the caller card shown on an incoming call.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// InitiatePayload is the payload of initiate-call.
type InitiatePayload struct {
	CallID   string   `json:"callId"`
	CallType string   `json:"callType"`
	From     Identity `json:"from"`
}

// SDPPayload is the payload of send-offer and send-answer.
type SDPPayload struct {
	CallID   string `json:"callId"`
	CallType string `json:"callType,omitempty"`
	Type     string `json:"type"` // "offer" | "answer"
	SDP      string `json:"sdp"`
}

// CandidatePayload is the payload of send-ice-candidate.
type CandidatePayload struct {
	CallID    string       `json:"callId"`
	Candidate ICECandidate `json:"candidate"`
}

// ControlPayload is the payload of accept-call, reject-call and end-call.
type ControlPayload struct {
	CallID string `json:"callId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TypingPayload is the payload of typing / stop-typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}

// ── Inbound payloads ──────────────────────────────────────────────────────────

// ICECandidate is the standard RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// UnmarshalJSON accepts either a bare candidate string or an RTCIceCandidateInit object.
func (c *ICECandidate) UnmarshalJSON(b []byte) error {
	if s, ok := asString(b); ok {
		*c = ICECandidate{Candidate: s}
		return nil
	}
	type plain ICECandidate
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = ICECandidate(p)
	return nil
}

// SDP is a session description that may arrive as a bare string or as an
// RTCSessionDescriptionInit object ({type, sdp}).
type SDP struct {
	Type string `json:"type,omitempty"`
	SDP  string `json:"sdp"`
}

// UnmarshalJSON accepts a string or an object.
func (s *SDP) UnmarshalJSON(b []byte) error {
	if str, ok := asString(b); ok {
		*s = SDP{SDP: str}
		return nil
	}
	type plain SDP
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = SDP(p)
	return nil
}

// IncomingCall is the payload of incoming_call.
type IncomingCall struct {
	FromUserID     string   `json:"fromUserId"`
	CallID         string   `json:"callId,omitempty"`
	CallType       string   `json:"callType"`
	ConversationID string   `json:"conversationId"`
	From           Identity `json:"from"`
}

// SessionDescription is the payload of call_offer_received and call_answer_received.
type SessionDescription struct {
	FromUserID     string `json:"fromUserId"`
	CallID         string `json:"callId,omitempty"`
	CallType       string `json:"callType,omitempty"`
	ConversationID string `json:"conversationId"`
	SDP            SDP    `json:"sdp"`
}

// Candidate is the payload of call_ice_candidate_received.
type Candidate struct {
	FromUserID     string       `json:"fromUserId"`
	CallID         string       `json:"callId,omitempty"`
	ConversationID string       `json:"conversationId"`
	Candidate      ICECandidate `json:"candidate"`
}

// Control is the payload of call_accepted, call_rejected and call_ended.
// Every field is optional; an empty payload applies to the current call.
type Control struct {
	FromUserID     string `json:"fromUserId,omitempty"`
	CallID         string `json:"callId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Message is one chat message.
type Message struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// NewMessage is the payload of new_message.
type NewMessage struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// Typing is the payload of user_typing and user_stopped_typing.
type Typing struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// ErrMissingSender is returned by Validate when a call signal carries no sender.
var ErrMissingSender = errors.New("payload has no fromUserId")

// Validate checks the fields every routed call signal needs.
func (p IncomingCall) Validate() error {
	if strings.TrimSpace(p.FromUserID) == "" {
		return ErrMissingSender
	}
	return nil
}

// Validate checks the sender and that an SDP body is present.
func (p SessionDescription) Validate() error {
	if strings.TrimSpace(p.FromUserID) == "" {
		return ErrMissingSender
	}
	if strings.TrimSpace(p.SDP.SDP) == "" {
		return errors.New("payload has no sdp")
	}
	return nil
}

// Validate checks the sender and that a candidate line is present.
func (p Candidate) Validate() error {
	if strings.TrimSpace(p.FromUserID) == "" {
		return ErrMissingSender
	}
	if strings.TrimSpace(p.Candidate.Candidate) == "" {
		return errors.New("payload has no candidate")
	}
	return nil
}

func asString(b []byte) (string, bool) {
	t := strings.TrimSpace(string(b))
	if !strings.HasPrefix(t, `"`) {
		return "", false
	}
	var s string
	if err := json.Unmarshal([]byte(t), &s); err != nil {
		return "", false
	}
	return s, true
}
