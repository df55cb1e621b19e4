//go:build !linux

package media

import (
	"context"
	"errors"
	"runtime"
)

type unsupported struct{}

func (unsupported) Capture(context.Context, Constraints) ([]Source, error) {
	return nil, &MediaAccessError{
		Reason: ErrDeviceUnavailable,
		Err:    errors.New("device capture is not supported on " + runtime.GOOS),
	}
}

// NewDefaultCapturer returns the hardware capturer for this platform. Only
// linux has device drivers; elsewhere every capture reports DeviceUnavailable.
func NewDefaultCapturer() (Capturer, error) {
	return unsupported{}, nil
}
