package media

import (
	"errors"
	"io/fs"
)

var (
	// ErrPermissionDenied means the platform refused access to a capture device.
	ErrPermissionDenied = errors.New("media: permission denied")

	// ErrDeviceUnavailable means no device could satisfy the request.
	ErrDeviceUnavailable = errors.New("media: device unavailable")
)

// MediaAccessError is returned by Acquire when local capture fails. It is
// fatal to the current call attempt.
type MediaAccessError struct {
	Reason error // ErrPermissionDenied or ErrDeviceUnavailable
	Err    error
}

func (e *MediaAccessError) Error() string {
	if e.Err == nil {
		return e.Reason.Error()
	}
	return e.Reason.Error() + ": " + e.Err.Error()
}

func (e *MediaAccessError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// accessError classifies a driver error.
func accessError(err error) *MediaAccessError {
	var mae *MediaAccessError
	if errors.As(err, &mae) {
		return mae
	}
	if errors.Is(err, fs.ErrPermission) {
		return &MediaAccessError{Reason: ErrPermissionDenied, Err: err}
	}
	return &MediaAccessError{Reason: ErrDeviceUnavailable, Err: err}
}
