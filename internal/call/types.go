package call

import (
	"context"
	"time"
)

// Signaler is the only surface the call package needs from the connection
// layer. conn.Manager satisfies it.
type Signaler interface {
	Emit(ctx context.Context, event string, payload any) error
}

// History receives one record per finished call. Optional.
type History interface {
	Record(ctx context.Context, r Record) error
}

// Target identifies the callee of an outgoing call.
type Target struct {
	ID          string
	DisplayName string
	Avatar      string
}

// Direction of a call relative to this client.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// StreamInfo describes a media stream attached to a participant.
type StreamInfo struct {
	ID    string   `json:"id"`
	Kinds []string `json:"kinds"`
}

// Participant is one party of a call. The local participant is always
// present under the controller's self id.
type Participant struct {
	ID              string      `json:"id"`
	DisplayName     string      `json:"displayName,omitempty"`
	Avatar          string      `json:"avatar,omitempty"`
	IsMuted         bool        `json:"isMuted"`
	IsCameraOn      bool        `json:"isCameraOn"`
	Stream          *StreamInfo `json:"stream,omitempty"`
	ConnectionState string      `json:"connectionState,omitempty"`
}

func (p *Participant) clone() Participant {
	out := *p
	if p.Stream != nil {
		s := *p.Stream
		s.Kinds = append([]string(nil), p.Stream.Kinds...)
		out.Stream = &s
	}
	return out
}

// StateChange is the payload of call_state_changed.
type StateChange struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	CallID string `json:"callId,omitempty"`
	Peer   string `json:"peer,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

// ParticipantUpdate is the payload of call_participant_updated.
type ParticipantUpdate struct {
	CallID      string      `json:"callId"`
	Participant Participant `json:"participant"`
}

// Info is a read-only snapshot of the current call.
type Info struct {
	CallID         string
	Type           string
	ConversationID string
	Direction      Direction
	State          State
	Participants   map[string]Participant
	StartedAt      time.Time
	ConnectedAt    time.Time
}

// Outcome summarises how a call finished.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeBusy      Outcome = "busy"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDeclined  Outcome = "declined"
	OutcomeMissed    Outcome = "missed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Record is what History stores for one finished call.
type Record struct {
	CallID         string
	PeerID         string
	PeerName       string
	ConversationID string
	Direction      Direction
	CallType       string
	Outcome        Outcome
	Reason         string
	StartedAt      time.Time
	ConnectedAt    time.Time
	EndedAt        time.Time
}

// Duration is the connected time of the call, zero if it never connected.
func (r Record) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}
