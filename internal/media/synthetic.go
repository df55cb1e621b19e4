package media

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Synthetic is a Capturer that needs no hardware. Its tracks negotiate like
// real Opus/VP8 tracks but carry no media until samples are written to them.
// Used for headless runs and tests.
type Synthetic struct {
	// Fail, when set, is returned by every Capture.
	Fail error

	captures atomic.Int32
}

// Captures returns how many successful captures have been made.
func (s *Synthetic) Captures() int { return int(s.captures.Load()) }

func (s *Synthetic) Capture(ctx context.Context, c Constraints) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Fail != nil {
		return nil, s.Fail
	}
	streamID := "synthetic-" + uuid.NewString()[:8]

	var out []Source
	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
		}, "audio", streamID)
		if err != nil {
			return nil, err
		}
		out = append(out, &SampleSource{TrackLocalStaticSample: t})
	}
	if c.Video {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
		}, "video", streamID)
		if err != nil {
			closeSources(out)
			return nil, err
		}
		out = append(out, &SampleSource{TrackLocalStaticSample: t})
	}
	s.captures.Add(1)
	return out, nil
}

// SampleSource adapts a sample track to Source.
type SampleSource struct {
	*webrtc.TrackLocalStaticSample
	closed atomic.Bool
}

func (s *SampleSource) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (s *SampleSource) Closed() bool { return s.closed.Load() }
