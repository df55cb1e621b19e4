package media

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func TestAcquireReturnsHeldStream(t *testing.T) {
	synth := &Synthetic{}
	s := NewSession(synth)

	st, err := s.Acquire(context.Background(), true, true)
	require.NoError(t, err)
	require.Len(t, st.Tracks(), 2)
	require.True(t, st.HasVideo())

	again, err := s.Acquire(context.Background(), true, false)
	require.NoError(t, err)
	require.Same(t, st, again)
	require.Equal(t, 1, synth.Captures())
}

func TestAcquireFailureIsMediaAccessError(t *testing.T) {
	s := NewSession(&Synthetic{Fail: fs.ErrPermission})
	_, err := s.Acquire(context.Background(), true, false)

	var mae *MediaAccessError
	require.ErrorAs(t, err, &mae)
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.Nil(t, s.Stream())

	s = NewSession(&Synthetic{Fail: errors.New("no such device")})
	_, err = s.Acquire(context.Background(), false, true)
	require.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestToggleMuteIsInvolution(t *testing.T) {
	s := NewSession(&Synthetic{})
	st, err := s.Acquire(context.Background(), true, true)
	require.NoError(t, err)
	audio := st.Kind(webrtc.RTPCodecTypeAudio)[0]
	video := st.Kind(webrtc.RTPCodecTypeVideo)[0]

	require.True(t, s.ToggleMute())
	require.False(t, audio.Enabled())
	require.True(t, video.Enabled(), "mute leaves the camera alone")

	require.False(t, s.ToggleMute())
	require.True(t, audio.Enabled())
	require.False(t, s.IsMuted())

	require.False(t, s.ToggleVideo())
	require.False(t, video.Enabled())
	require.True(t, s.ToggleVideo())
	require.True(t, video.Enabled())
}

func TestFlagsSetBeforeAcquireApply(t *testing.T) {
	s := NewSession(&Synthetic{})
	require.True(t, s.ToggleMute())

	st, err := s.Acquire(context.Background(), true, false)
	require.NoError(t, err)
	require.False(t, st.Kind(webrtc.RTPCodecTypeAudio)[0].Enabled())
}

func TestReleaseIsIdempotentAndResets(t *testing.T) {
	s := NewSession(&Synthetic{})
	s.Release()

	st, err := s.Acquire(context.Background(), true, true)
	require.NoError(t, err)
	s.ToggleMute()
	s.ToggleVideo()

	s.Release()
	s.Release()
	require.Nil(t, s.Stream())
	require.False(t, s.IsMuted())
	require.True(t, s.IsVideoEnabled())
	for _, tr := range st.tracks {
		require.True(t, tr.src.(*SampleSource).Closed())
	}
}

type blockingCapturer struct {
	release chan struct{}
	src     *SampleSource
}

func (b *blockingCapturer) Capture(context.Context, Constraints) ([]Source, error) {
	<-b.release
	return []Source{b.src}, nil
}

func TestAcquireCancelledClosesLateTracks(t *testing.T) {
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "s")
	require.NoError(t, err)
	bc := &blockingCapturer{release: make(chan struct{}), src: &SampleSource{TrackLocalStaticSample: tr}}
	s := NewSession(bc)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, true, false)
		errc <- err
	}()
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	close(bc.release)
	require.Eventually(t, bc.src.Closed, time.Second, 5*time.Millisecond)
	require.Nil(t, s.Stream())
}

// endingCapturer ends the call while the device is opening: it cancels the
// acquire context and releases the session before handing back its source.
type endingCapturer struct {
	s      *Session
	cancel context.CancelFunc
	src    *SampleSource
}

func (e *endingCapturer) Capture(context.Context, Constraints) ([]Source, error) {
	e.cancel()
	e.s.Release()
	return []Source{e.src}, nil
}

func TestReleaseDuringCaptureLeavesNothingHeld(t *testing.T) {
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "s")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	ec := &endingCapturer{cancel: cancel, src: &SampleSource{TrackLocalStaticSample: tr}}
	s := NewSession(ec)
	ec.s = s

	st, err := s.Acquire(ctx, true, false)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, st)
	require.Nil(t, s.Stream())
	require.Eventually(t, ec.src.Closed, time.Second, 5*time.Millisecond)
}

// fakeSource records the context it was bound with so tests can write
// through it the way an encoder would.
type fakeSource struct {
	webrtc.TrackLocal
	kind webrtc.RTPCodecType

	mu  sync.Mutex
	ctx webrtc.TrackLocalContext
}

func (f *fakeSource) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()
	return webrtc.RTPCodecParameters{}, nil
}

func (f *fakeSource) Unbind(ctx webrtc.TrackLocalContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctx != ctx {
		return errors.New("unbind with unknown context")
	}
	f.ctx = nil
	return nil
}

func (f *fakeSource) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeSource) ID() string                { return "fake" }
func (f *fakeSource) Close() error              { return nil }

type fakeContext struct {
	webrtc.TrackLocalContext
	id string
	w  *countingWriter
}

func (c fakeContext) ID() string                         { return c.id }
func (c fakeContext) WriteStream() webrtc.TrackLocalWriter { return c.w }

type countingWriter struct{ n int }

func (w *countingWriter) WriteRTP(*rtp.Header, []byte) (int, error) { w.n++; return 0, nil }
func (w *countingWriter) Write([]byte) (int, error)                 { w.n++; return 0, nil }

func TestGateAppliesToEveryBinding(t *testing.T) {
	src := &fakeSource{kind: webrtc.RTPCodecTypeAudio}
	track := newTrack(src)

	w1, w2 := &countingWriter{}, &countingWriter{}
	c1, c2 := fakeContext{id: "pc1", w: w1}, fakeContext{id: "pc2", w: w2}

	_, err := track.Bind(c1)
	require.NoError(t, err)
	bound1 := src.ctx
	_, err = track.Bind(c2)
	require.NoError(t, err)
	bound2 := src.ctx
	require.Equal(t, 2, track.Bindings())

	write := func() {
		for _, c := range []webrtc.TrackLocalContext{bound1, bound2} {
			_, err := c.WriteStream().WriteRTP(&rtp.Header{}, []byte{1, 2, 3})
			require.NoError(t, err)
		}
	}

	write()
	track.setEnabled(false)
	write()
	track.setEnabled(true)
	write()
	require.Equal(t, 2, w1.n)
	require.Equal(t, 2, w2.n)

	require.NoError(t, track.Unbind(c2))
	require.Equal(t, 1, track.Bindings())
}
