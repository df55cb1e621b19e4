package conn

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a ConnectionError.
type ErrorKind int

const (
	AuthRejected ErrorKind = iota + 1
	Unreachable
	NotConnected
	RetriesExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case AuthRejected:
		return "auth rejected"
	case Unreachable:
		return "unreachable"
	case NotConnected:
		return "not connected"
	case RetriesExhausted:
		return "retries exhausted"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ConnectionError is a transport-level failure. AuthRejected and Unreachable
// are retried internally; RetriesExhausted is the terminal error published on
// connection_error; NotConnected is returned by Emit.
type ConnectionError struct {
	Kind    ErrorKind
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	msg := "conn: " + e.Kind.String()
	if e.Attempt > 0 {
		msg += fmt.Sprintf(" (attempt %d)", e.Attempt)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsKind reports whether err is a ConnectionError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Kind == kind
}
