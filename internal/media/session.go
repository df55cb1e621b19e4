// Package media owns local capture for a call: one capture session shared by
// every peer connection, with mute and camera gates applied to the shared
// tracks.
package media

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Constraints selects which devices to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Capturer opens local capture devices. Implementations may block on device
// or permission prompts.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) ([]Source, error)
}

// CodecRegistrar is implemented by capturers whose encoders dictate the codecs
// a peer connection must offer.
type CodecRegistrar interface {
	RegisterCodecs(me *webrtc.MediaEngine) error
}

// RegisterCodecs fills me with the codecs c produces, or pion's defaults when
// c does not say.
func RegisterCodecs(c Capturer, me *webrtc.MediaEngine) error {
	if r, ok := c.(CodecRegistrar); ok {
		return r.RegisterCodecs(me)
	}
	return me.RegisterDefaultCodecs()
}

// Stream is the held local capture.
type Stream struct {
	tracks []*Track
}

// Tracks returns the shared outbound tracks, for attaching to peer connections.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// Kind returns the gated tracks of one kind.
func (s *Stream) Kind(kind webrtc.RTPCodecType) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// HasVideo reports whether the stream carries a camera track.
func (s *Stream) HasVideo() bool { return len(s.Kind(webrtc.RTPCodecTypeVideo)) > 0 }

// Session holds at most one Stream at a time.
type Session struct {
	capturer Capturer

	acquireMu sync.Mutex // serializes captures

	mu      sync.Mutex
	stream  *Stream
	muted   bool
	videoOn bool
}

// NewSession creates a session capturing through c.
func NewSession(c Capturer) *Session {
	return &Session{capturer: c, videoOn: true}
}

// Acquire returns the held stream, or captures a new one. Capture failures
// come back as *MediaAccessError. If ctx ends while the device is still
// opening, the late tracks are closed and ctx.Err() is returned.
func (s *Session) Acquire(ctx context.Context, audio, video bool) (*Stream, error) {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	s.mu.Lock()
	if s.stream != nil {
		st := s.stream
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	if !audio && !video {
		return nil, &MediaAccessError{Reason: ErrDeviceUnavailable, Err: errors.New("no device requested")}
	}

	type result struct {
		srcs []Source
		err  error
	}
	done := make(chan result, 1)
	go func() {
		srcs, err := s.capturer.Capture(ctx, Constraints{Audio: audio, Video: video})
		done <- result{srcs, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		go func() {
			if late := <-done; late.err == nil {
				closeSources(late.srcs)
			}
		}()
		return nil, ctx.Err()
	}
	if r.err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, accessError(r.err)
	}
	if len(r.srcs) == 0 {
		return nil, &MediaAccessError{Reason: ErrDeviceUnavailable, Err: errors.New("capture returned no tracks")}
	}
	st := &Stream{tracks: make([]*Track, len(r.srcs))}
	for i, src := range r.srcs {
		st.tracks[i] = newTrack(src)
	}

	// Release may have run while the device was opening.
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		closeSources(r.srcs)
		return nil, err
	}
	s.stream = st
	s.applyLocked()
	s.mu.Unlock()

	log.Printf("MEDIA: captured %d tracks (audio=%v video=%v)", len(st.tracks), audio, video)
	return st, nil
}

// Stream returns the held stream, or nil.
func (s *Session) Stream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// ToggleMute flips the microphone gate and returns the new muted state.
// The flag is kept when nothing is held and applied on the next Acquire.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = !s.muted
	s.applyLocked()
	return s.muted
}

// ToggleVideo flips the camera gate and returns whether the camera is on.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOn = !s.videoOn
	s.applyLocked()
	return s.videoOn
}

// IsMuted reports the microphone gate.
func (s *Session) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// IsVideoEnabled reports the camera gate.
func (s *Session) IsVideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

func (s *Session) applyLocked() {
	if s.stream == nil {
		return
	}
	for _, t := range s.stream.tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			t.setEnabled(!s.muted)
		case webrtc.RTPCodecTypeVideo:
			t.setEnabled(s.videoOn)
		}
	}
}

// Release stops every held track and resets the gates. Safe to call when
// nothing is held.
func (s *Session) Release() {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.muted = false
	s.videoOn = true
	s.mu.Unlock()

	if st == nil {
		return
	}
	for _, t := range st.tracks {
		if err := t.close(); err != nil {
			log.Printf("MEDIA: closing track %s: %v", t.ID(), err)
		}
	}
	log.Printf("MEDIA: released %d tracks", len(st.tracks))
}

func closeSources(srcs []Source) {
	for _, s := range srcs {
		_ = s.Close()
	}
}
