package call

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	ErrCalleeBusy     = errors.New("callee is busy")
	ErrCallRejected   = errors.New("call rejected")
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoIncomingCall = errors.New("no incoming call to answer")
	ErrCallCancelled  = errors.New("call cancelled")
)

// SignalingKind classifies a SignalingError.
type SignalingKind int

const (
	Malformed SignalingKind = iota + 1
	Busy
	Rejected
	StaleCall
	InvalidState
)

func (k SignalingKind) String() string {
	switch k {
	case Malformed:
		return "malformed payload"
	case Busy:
		return "callee busy"
	case Rejected:
		return "rejected"
	case StaleCall:
		return "stale call"
	case InvalidState:
		return "invalid state"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// SignalingError is a call-level signaling failure. It is never retried.
type SignalingError struct {
	Kind  SignalingKind
	Event string
	Peer  string
	Err   error
}

func (e *SignalingError) Error() string {
	msg := "call: " + e.Kind.String()
	if e.Event != "" {
		msg += " (" + e.Event + ")"
	}
	if e.Peer != "" {
		msg += " from " + e.Peer
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SignalingError) Unwrap() error { return e.Err }

// PeerConnectionError is a transport failure of one peer connection. It ends
// the call.
type PeerConnectionError struct {
	Peer  string
	State webrtc.PeerConnectionState
	Err   error
}

func (e *PeerConnectionError) Error() string {
	msg := "call: peer connection to " + e.Peer
	if e.State != webrtc.PeerConnectionStateUnknown {
		msg += " " + e.State.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PeerConnectionError) Unwrap() error { return e.Err }
