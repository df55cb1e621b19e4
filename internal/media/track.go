package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Source is one captured local track as produced by a Capturer.
type Source interface {
	webrtc.TrackLocal
	Close() error
}

// Track wraps a Source with an enable gate. Every peer connection the track
// is bound to writes through the same gate, so disabling it silences the
// track for all of them at once.
type Track struct {
	src     Source
	enabled atomic.Bool

	mu    sync.Mutex
	bound map[string]*gatedContext // by TrackLocalContext.ID
}

var _ webrtc.TrackLocal = (*Track)(nil)

func newTrack(src Source) *Track {
	t := &Track{src: src, bound: make(map[string]*gatedContext)}
	t.enabled.Store(true)
	return t
}

// Enabled reports whether RTP for this track is currently forwarded.
func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) setEnabled(v bool) { t.enabled.Store(v) }

func (t *Track) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	gc := &gatedContext{TrackLocalContext: ctx, gate: &t.enabled}
	t.mu.Lock()
	t.bound[ctx.ID()] = gc
	t.mu.Unlock()
	return t.src.Bind(gc)
}

func (t *Track) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	gc, ok := t.bound[ctx.ID()]
	delete(t.bound, ctx.ID())
	t.mu.Unlock()
	if !ok {
		return t.src.Unbind(ctx)
	}
	return t.src.Unbind(gc)
}

func (t *Track) ID() string                { return t.src.ID() }
func (t *Track) RID() string               { return t.src.RID() }
func (t *Track) StreamID() string          { return t.src.StreamID() }
func (t *Track) Kind() webrtc.RTPCodecType { return t.src.Kind() }

// Bindings returns how many peer connections the track is bound to.
func (t *Track) Bindings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bound)
}

func (t *Track) close() error { return t.src.Close() }

type gatedContext struct {
	webrtc.TrackLocalContext
	gate *atomic.Bool
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return gatedWriter{w: c.TrackLocalContext.WriteStream(), gate: c.gate}
}

// gatedWriter drops outbound RTP while the gate is closed. Dropped writes
// report success so the encoder keeps running.
type gatedWriter struct {
	w    webrtc.TrackLocalWriter
	gate *atomic.Bool
}

func (g gatedWriter) WriteRTP(h *rtp.Header, payload []byte) (int, error) {
	if !g.gate.Load() {
		return h.MarshalSize() + len(payload), nil
	}
	return g.w.WriteRTP(h, payload)
}

func (g gatedWriter) Write(b []byte) (int, error) {
	if !g.gate.Load() {
		return len(b), nil
	}
	return g.w.Write(b)
}
