package call

import "fmt"

// State is the call state machine position.
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateOutgoingRinging
	StateIncomingRinging
	StateConnecting
	StateActive
	StateEnded
	StateError
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateInitiating:      "initiating",
	StateOutgoingRinging: "outgoing_ringing",
	StateIncomingRinging: "incoming_ringing",
	StateConnecting:      "connecting",
	StateActive:          "active",
	StateEnded:           "ended",
	StateError:           "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in event payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown call state %q", b)
}

// transitions is the complete transition table. ended and error are
// reachable from every live state and always lead back to idle.
var transitions = map[State][]State{
	StateIdle:            {StateInitiating, StateIncomingRinging},
	StateInitiating:      {StateOutgoingRinging, StateEnded, StateError},
	StateOutgoingRinging: {StateActive, StateEnded, StateError},
	StateIncomingRinging: {StateConnecting, StateEnded, StateError},
	StateConnecting:      {StateActive, StateEnded, StateError},
	StateActive:          {StateEnded, StateError},
	StateEnded:           {StateIdle},
	StateError:           {StateIdle},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether s belongs to a call in progress.
func (s State) Live() bool {
	return s != StateIdle && s != StateEnded && s != StateError
}
