//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Devices captures camera and microphone through pion/mediadevices
// (V4L2 + malgo) and encodes VP8/Opus.
type Devices struct {
	selector *mediadevices.CodecSelector
}

// NewDevices prepares the encoder set. It fails only when the codec
// libraries cannot be initialised.
func NewDevices() (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Devices{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

// RegisterCodecs makes the peer connection offer exactly the encoders in use.
func (d *Devices) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// Capture opens the requested devices. When both are requested and the pair
// cannot be opened together, a single-device capture is tried so a missing
// microphone does not cost the camera and vice versa.
func (d *Devices) Capture(ctx context.Context, c Constraints) ([]Source, error) {
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, &MediaAccessError{Reason: ErrDeviceUnavailable, Err: errors.New("no capture devices found")}
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	attempts := []attempt{{c.Video, c.Audio, "requested"}}
	if c.Video && c.Audio {
		attempts = append(attempts, attempt{false, true, "audio-only"}, attempt{true, false, "video-only"})
	}

	var errs []error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stream, err := mediadevices.GetUserMedia(d.constraints(a.video, a.audio))
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			errs = append(errs, fmt.Errorf("%s: %w", a.label, err))
			continue
		}

		tracks := stream.GetTracks()
		out := make([]Source, 0, len(tracks))
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local track ended: %v", err)
				}
			})
			out = append(out, t)
		}
		log.Printf("MEDIA: devices captured (%s), %d tracks", a.label, len(out))
		return out, nil
	}
	return nil, classify(errors.Join(errs...))
}

func (d *Devices) constraints(video, audio bool) mediadevices.MediaStreamConstraints {
	mc := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if video {
		mc.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras emit frames
			// that break the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		mc.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	return mc
}

// classify maps driver failures that only surface as text.
func classify(err error) error {
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return &MediaAccessError{Reason: ErrPermissionDenied, Err: err}
	}
	return err
}

// NewDefaultCapturer returns the hardware capturer for this platform.
func NewDefaultCapturer() (Capturer, error) {
	return NewDevices()
}
