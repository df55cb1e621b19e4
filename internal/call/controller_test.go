package call

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/rtcomm/internal/events"
	"github.com/petervdpas/rtcomm/internal/media"
	"github.com/petervdpas/rtcomm/internal/proto"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakePeer struct {
	mu      sync.Mutex
	ops     []string
	tracks  []webrtc.TrackLocal
	receive []webrtc.RTPCodecType
	remote  *webrtc.SessionDescription
	closed  bool

	gather     []string // local candidates produced by CreateOffer/CreateAnswer
	hangAnswer bool

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(RemoteTrack)
}

func (p *fakePeer) log(op string) {
	p.mu.Lock()
	p.ops = append(p.ops, op)
	p.mu.Unlock()
}

func (p *fakePeer) AddTrack(t webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) Receive(kind webrtc.RTPCodecType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receive = append(p.receive, kind)
	return nil
}

func (p *fakePeer) describe(ctx context.Context, typ webrtc.SDPType, hang bool) (webrtc.SessionDescription, error) {
	if hang {
		<-ctx.Done()
		return webrtc.SessionDescription{}, ctx.Err()
	}
	p.log("local:" + typ.String())
	for _, c := range p.gather {
		p.onICE(webrtc.ICECandidateInit{Candidate: c})
	}
	return webrtc.SessionDescription{Type: typ, SDP: "v=0 " + typ.String()}, nil
}

func (p *fakePeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return p.describe(ctx, webrtc.SDPTypeOffer, false)
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return p.describe(ctx, webrtc.SDPTypeAnswer, p.hangAnswer)
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = &d
	p.mu.Unlock()
	p.log("remote:" + d.Type.String())
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.log("ice:" + c.Candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) { p.onICE = fn }
func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { p.onState = fn }
func (p *fakePeer) OnTrack(fn func(RemoteTrack)) { p.onTrack = fn }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) Remote() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer

	hang       bool // NewPeer blocks until ctx ends
	gather     []string
	hangAnswer bool
}

func (f *fakeFactory) NewPeer(ctx context.Context) (PeerConnection, error) {
	f.mu.Lock()
	p := &fakePeer{gather: f.gather, hangAnswer: f.hangAnswer}
	f.peers = append(f.peers, p)
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return p, nil
}

func (f *fakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) Last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type sent struct {
	event string
	out   proto.Outbound
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sent
}

func (s *fakeSignaler) Emit(_ context.Context, event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{event: event, out: payload.(proto.Outbound)})
	return nil
}

func (s *fakeSignaler) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.event
	}
	return out
}

func (s *fakeSignaler) Find(event string) []proto.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proto.Outbound
	for _, m := range s.sent {
		if m.event == event {
			out = append(out, m.out)
		}
	}
	return out
}

type fakeHistory struct {
	mu      sync.Mutex
	records []Record
}

func (h *fakeHistory) Record(_ context.Context, r Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *fakeHistory) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.records...)
}

// ── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	t       *testing.T
	disp    *events.Dispatcher
	ctrl    *Controller
	sig     *fakeSignaler
	peers   *fakeFactory
	synth   *media.Synthetic
	media   *media.Session
	history *fakeHistory

	mu      sync.Mutex
	changes []StateChange
	updates []ParticipantUpdate
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		disp:    events.NewDispatcher(),
		sig:     &fakeSignaler{},
		peers:   &fakeFactory{},
		synth:   &media.Synthetic{},
		history: &fakeHistory{},
	}
	h.media = media.NewSession(h.synth)
	ctrl, err := New(Config{
		Self:       proto.Identity{ID: "alice", Name: "Alice"},
		Signaler:   h.sig,
		Dispatcher: h.disp,
		Media:      h.media,
		Peers:      h.peers,
		History:    h.history,
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	ctrl.Attach()

	h.disp.On(proto.EventCallStateChanged, events.ListenFunc(func(e events.Event) {
		h.mu.Lock()
		h.changes = append(h.changes, e.Payload.(StateChange))
		h.mu.Unlock()
	}))
	h.disp.On(proto.EventCallParticipantUpdated, events.ListenFunc(func(e events.Event) {
		h.mu.Lock()
		h.updates = append(h.updates, e.Payload.(ParticipantUpdate))
		h.mu.Unlock()
	}))
	t.Cleanup(ctrl.Close)
	return h
}

func (h *harness) deliver(name string, payload any) {
	h.disp.Publish(events.Event{Name: name, ConnectionID: "conn-1", Payload: payload})
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.ctrl.State() == want }, waitFor, tick,
		"state is %s, want %s", h.ctrl.State(), want)
}

// waitChange waits until a transition into want has been published and
// returns it.
func (h *harness) waitChange(want State) StateChange {
	h.t.Helper()
	var got StateChange
	require.Eventually(h.t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, c := range h.changes {
			if c.To == want {
				got = c
				return true
			}
		}
		return false
	}, waitFor, tick, "no transition to %s", want)
	return got
}

func (h *harness) path() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]State, len(h.changes))
	for i, c := range h.changes {
		out[i] = c.To
	}
	return out
}

func (h *harness) callID() string {
	info, ok := h.ctrl.Current()
	require.True(h.t, ok)
	return info.CallID
}

func (h *harness) failures(kind SignalingKind) int {
	n := 0
	for _, f := range h.disp.Failures() {
		var se *SignalingError
		if errors.As(f.Err, &se) && se.Kind == kind {
			n++
		}
	}
	return n
}

// ringing places an outgoing video call to bob and waits for it to ring.
func (h *harness) ringing() *fakePeer {
	h.t.Helper()
	err := h.ctrl.StartCall(context.Background(), Target{ID: "bob", DisplayName: "Bob"}, "conv-1", proto.CallTypeVideo)
	require.NoError(h.t, err)
	require.Equal(h.t, StateOutgoingRinging, h.ctrl.State())
	return h.peers.Last()
}

// active takes an outgoing call all the way to active.
func (h *harness) active() *fakePeer {
	h.t.Helper()
	pc := h.ringing()
	h.deliver(proto.EventCallAnswer, proto.SessionDescription{
		FromUserID: "bob", CallID: h.callID(), SDP: proto.SDP{Type: "answer", SDP: "v=0 answer"},
	})
	require.Eventually(h.t, func() bool { return pc.Remote() != nil }, waitFor, tick)
	pc.onState(webrtc.PeerConnectionStateConnected)
	h.waitState(StateActive)
	return pc
}

func candidate(from, callID, c string) proto.Candidate {
	return proto.Candidate{FromUserID: from, CallID: callID, Candidate: proto.ICECandidate{Candidate: c}}
}

// ── Outgoing ─────────────────────────────────────────────────────────────────

func TestStartCallSendsInitiateOfferThenCandidates(t *testing.T) {
	h := newHarness(t)
	h.peers.gather = []string{"candidate:local-1"}

	pc := h.ringing()

	require.Equal(t, []string{proto.CmdInitiateCall, proto.CmdSendOffer, proto.CmdSendICECandidate}, h.sig.Events())

	callID := h.callID()
	init := h.sig.Find(proto.CmdInitiateCall)[0]
	require.Equal(t, "bob", init.TargetUserID)
	require.Equal(t, "conv-1", init.ConversationID)
	ip := init.Payload.(proto.InitiatePayload)
	require.Equal(t, callID, ip.CallID)
	require.Equal(t, proto.CallTypeVideo, ip.CallType)
	require.Equal(t, "alice", ip.From.ID)

	op := h.sig.Find(proto.CmdSendOffer)[0].Payload.(proto.SDPPayload)
	require.Equal(t, "offer", op.Type)
	require.Equal(t, "v=0 offer", op.SDP)

	cp := h.sig.Find(proto.CmdSendICECandidate)[0].Payload.(proto.CandidatePayload)
	require.Equal(t, "candidate:local-1", cp.Candidate.Candidate)

	// Synthetic capture gives audio and video; both are attached to the one peer.
	require.Len(t, pc.tracks, 2)
	require.Empty(t, pc.receive)
	h.waitChange(StateOutgoingRinging)
	require.Equal(t, []State{StateInitiating, StateOutgoingRinging}, h.path())
}

func TestAnsweredCallBecomesActiveAndHangsUp(t *testing.T) {
	h := newHarness(t)
	pc := h.active()
	callID := h.callID()

	h.deliver(proto.EventCallICECandidate, candidate("bob", callID, "candidate:remote-1"))
	require.Eventually(t, func() bool {
		ops := pc.Ops()
		return ops[len(ops)-1] == "ice:candidate:remote-1"
	}, waitFor, tick)

	info, ok := h.ctrl.Current()
	require.True(t, ok)
	require.False(t, info.ConnectedAt.IsZero())
	require.Equal(t, webrtc.PeerConnectionStateConnected.String(), info.Participants["bob"].ConnectionState)

	require.NoError(t, h.ctrl.Hangup())
	require.Equal(t, StateIdle, h.ctrl.State())
	require.True(t, pc.Closed())
	require.Nil(t, h.media.Stream())

	end := h.sig.Find(proto.CmdEndCall)
	require.Len(t, end, 1)
	require.Equal(t, callID, end[0].Payload.(proto.ControlPayload).CallID)

	h.waitChange(StateIdle)
	require.Equal(t, []State{StateInitiating, StateOutgoingRinging, StateActive, StateEnded, StateIdle}, h.path())

	recs := h.history.Records()
	require.Len(t, recs, 1)
	require.Equal(t, OutcomeCompleted, recs[0].Outcome)
	require.Equal(t, "Bob", recs[0].PeerName)
}

func TestCallerQueuesCandidatesUntilAnswerApplied(t *testing.T) {
	h := newHarness(t)
	pc := h.ringing()
	callID := h.callID()

	h.deliver(proto.EventCallICECandidate, candidate("bob", callID, "r1"))
	h.deliver(proto.EventCallICECandidate, candidate("bob", callID, "r2"))
	require.Equal(t, []string{"local:offer"}, pc.Ops())

	h.deliver(proto.EventCallAnswer, proto.SessionDescription{
		FromUserID: "bob", CallID: callID, SDP: proto.SDP{Type: "answer", SDP: "v=0 answer"},
	})
	require.Eventually(t, func() bool { return len(pc.Ops()) == 4 }, waitFor, tick)
	require.Equal(t, []string{"local:offer", "remote:answer", "ice:r1", "ice:r2"}, pc.Ops())

	h.deliver(proto.EventCallICECandidate, candidate("bob", callID, "r3"))
	require.Equal(t, "ice:r3", pc.Ops()[len(pc.Ops())-1])
}

func TestCalleeBusyEndsCall(t *testing.T) {
	h := newHarness(t)
	pc := h.ringing()

	h.deliver(proto.EventCallRejected, proto.Control{FromUserID: "bob", CallID: h.callID(), Reason: proto.ReasonBusy})

	require.Equal(t, StateIdle, h.ctrl.State())
	require.True(t, pc.Closed())
	require.Empty(t, h.sig.Find(proto.CmdEndCall))

	ended := h.waitChange(StateEnded)
	require.ErrorIs(t, ended.Err, ErrCalleeBusy)
	var se *SignalingError
	require.ErrorAs(t, ended.Err, &se)
	require.Equal(t, Busy, se.Kind)

	require.Equal(t, OutcomeBusy, h.history.Records()[0].Outcome)
}

func TestCallRejected(t *testing.T) {
	h := newHarness(t)
	h.ringing()

	// An empty control payload applies to the current call.
	h.deliver(proto.EventCallRejected, events.Raw{})

	ended := h.waitChange(StateEnded)
	require.ErrorIs(t, ended.Err, ErrCallRejected)
	require.Equal(t, OutcomeRejected, h.history.Records()[0].Outcome)
}

func TestOnlyOneCallAtATime(t *testing.T) {
	h := newHarness(t)
	h.ringing()

	err := h.ctrl.StartCall(context.Background(), Target{ID: "carol"}, "conv-2", proto.CallTypeAudio)
	require.ErrorIs(t, err, ErrCallInProgress)
	require.Equal(t, 1, h.peers.Count())

	require.ErrorIs(t, h.ctrl.Accept(context.Background()), ErrNoIncomingCall)
	require.ErrorIs(t, h.ctrl.Decline(), ErrNoIncomingCall)
}

func TestStartCallValidatesTarget(t *testing.T) {
	h := newHarness(t)

	var se *SignalingError
	err := h.ctrl.StartCall(context.Background(), Target{ID: " "}, "", proto.CallTypeAudio)
	require.ErrorAs(t, err, &se)
	require.Equal(t, Malformed, se.Kind)

	err = h.ctrl.StartCall(context.Background(), Target{ID: "alice"}, "", proto.CallTypeAudio)
	require.ErrorAs(t, err, &se)
	require.Equal(t, InvalidState, se.Kind)

	err = h.ctrl.StartCall(context.Background(), Target{ID: "bob"}, "", "hologram")
	require.ErrorAs(t, err, &se)
	require.Equal(t, Malformed, se.Kind)

	require.Equal(t, StateIdle, h.ctrl.State())
	require.Empty(t, h.sig.Events())
}

func TestMediaFailureSendsNothing(t *testing.T) {
	h := newHarness(t)
	h.synth.Fail = fmt.Errorf("open /dev/video0: %w", fs.ErrPermission)

	err := h.ctrl.StartCall(context.Background(), Target{ID: "bob"}, "conv-1", proto.CallTypeVideo)

	var mae *media.MediaAccessError
	require.ErrorAs(t, err, &mae)
	require.ErrorIs(t, err, media.ErrPermissionDenied)
	require.Equal(t, StateIdle, h.ctrl.State())
	require.Empty(t, h.sig.Events())
	require.Zero(t, h.peers.Count())

	h.waitChange(StateIdle)
	require.Equal(t, []State{StateInitiating, StateEnded, StateIdle}, h.path())
}

func TestHangupCancelsCallInFlight(t *testing.T) {
	h := newHarness(t)
	h.peers.hang = true

	errc := make(chan error, 1)
	go func() {
		errc <- h.ctrl.StartCall(context.Background(), Target{ID: "bob"}, "conv-1", proto.CallTypeAudio)
	}()
	require.Eventually(t, func() bool { return h.peers.Count() == 1 }, waitFor, tick)
	require.Equal(t, StateInitiating, h.ctrl.State())

	require.NoError(t, h.ctrl.Hangup())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrCallCancelled)
	case <-time.After(waitFor):
		t.Fatal("StartCall did not return after hangup")
	}
	require.Equal(t, StateIdle, h.ctrl.State())
	require.Empty(t, h.sig.Events())
	require.Nil(t, h.media.Stream())
}

func TestCallerContextCancelled(t *testing.T) {
	h := newHarness(t)
	h.peers.hang = true

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- h.ctrl.StartCall(ctx, Target{ID: "bob"}, "conv-1", proto.CallTypeAudio)
	}()
	require.Eventually(t, func() bool { return h.peers.Count() == 1 }, waitFor, tick)
	cancel()

	require.ErrorIs(t, <-errc, ErrCallCancelled)
	require.Equal(t, StateIdle, h.ctrl.State())
	require.Equal(t, OutcomeCancelled, h.history.Records()[0].Outcome)
}

func TestStaleCallIDIsIgnored(t *testing.T) {
	h := newHarness(t)
	pc := h.ringing()

	h.deliver(proto.EventCallEnded, proto.Control{FromUserID: "bob", CallID: "some-older-call"})
	h.deliver(proto.EventCallAnswer, proto.SessionDescription{
		FromUserID: "bob", CallID: "some-older-call", SDP: proto.SDP{SDP: "v=0 answer"},
	})

	require.Equal(t, StateOutgoingRinging, h.ctrl.State())
	require.Nil(t, pc.Remote())
	require.Equal(t, 2, h.failures(StaleCall))
}

func TestPeerFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	pc := h.active()

	pc.onState(webrtc.PeerConnectionStateFailed)

	h.waitState(StateIdle)
	require.True(t, pc.Closed())
	ended := h.waitChange(StateEnded)
	var pce *PeerConnectionError
	require.ErrorAs(t, ended.Err, &pce)
	require.Equal(t, "bob", pce.Peer)
	require.Equal(t, webrtc.PeerConnectionStateFailed, pce.State)
}

func TestAudioOnlyCaptureStillReceivesVideo(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.StartCall(context.Background(), Target{ID: "bob"}, "", proto.CallTypeAudio))
	pc := h.peers.Last()
	require.Len(t, pc.tracks, 1)
	require.Empty(t, pc.receive)

	info, _ := h.ctrl.Current()
	require.False(t, info.Participants["alice"].IsCameraOn)
	require.Equal(t, proto.CallTypeAudio, info.Type)
}

func TestRemoteTrackUpdatesParticipant(t *testing.T) {
	h := newHarness(t)
	pc := h.active()

	pc.onTrack(RemoteTrack{ID: "a", StreamID: "s1", Kind: webrtc.RTPCodecTypeAudio})
	pc.onTrack(RemoteTrack{ID: "v", StreamID: "s1", Kind: webrtc.RTPCodecTypeVideo})

	info, _ := h.ctrl.Current()
	require.Equal(t, &StreamInfo{ID: "s1", Kinds: []string{"audio", "video"}}, info.Participants["bob"].Stream)
}

func TestToggleMutePublishesParticipant(t *testing.T) {
	h := newHarness(t)
	h.active()

	require.True(t, h.ctrl.ToggleMute())
	require.False(t, h.ctrl.ToggleVideo())

	info, _ := h.ctrl.Current()
	require.True(t, info.Participants["alice"].IsMuted)
	require.False(t, info.Participants["alice"].IsCameraOn)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, u := range h.updates {
			if u.Participant.ID == "alice" && u.Participant.IsMuted && !u.Participant.IsCameraOn {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

// ── Incoming ─────────────────────────────────────────────────────────────────

func incoming(from, callID string) proto.IncomingCall {
	return proto.IncomingCall{
		FromUserID:     from,
		CallID:         callID,
		CallType:       proto.CallTypeVideo,
		ConversationID: "conv-9",
		From:           proto.Identity{ID: from, Name: "Bob"},
	}
}

func offerFrom(from, callID string) proto.SessionDescription {
	return proto.SessionDescription{
		FromUserID: from, CallID: callID, ConversationID: "conv-9",
		SDP: proto.SDP{Type: "offer", SDP: "v=0 offer"},
	}
}

func TestEarlyCandidatesAppliedInOrderBeforeAnswer(t *testing.T) {
	h := newHarness(t)
	h.peers.gather = []string{"candidate:local-1"}

	h.deliver(proto.EventCallICECandidate, candidate("bob", "k1", "c1"))
	h.deliver(proto.EventCallICECandidate, candidate("bob", "k1", "c2"))
	h.deliver(proto.EventIncomingCall, incoming("bob", "k1"))
	h.deliver(proto.EventCallICECandidate, candidate("bob", "k1", "c3"))
	h.deliver(proto.EventCallOffer, offerFrom("bob", "k1"))
	require.Equal(t, StateIncomingRinging, h.ctrl.State())

	require.NoError(t, h.ctrl.Accept(context.Background()))

	pc := h.peers.Last()
	require.Equal(t, []string{"remote:offer", "ice:c1", "ice:c2", "ice:c3", "local:answer"}, pc.Ops())
	require.Equal(t, []string{proto.CmdAcceptCall, proto.CmdSendAnswer, proto.CmdSendICECandidate}, h.sig.Events())

	ap := h.sig.Find(proto.CmdSendAnswer)[0]
	require.Equal(t, "bob", ap.TargetUserID)
	require.Equal(t, "conv-9", ap.ConversationID)
	require.Equal(t, "k1", ap.Payload.(proto.SDPPayload).CallID)

	// Once the remote description is set, candidates go straight through.
	h.deliver(proto.EventCallICECandidate, candidate("bob", "k1", "c4"))
	require.Equal(t, "ice:c4", pc.Ops()[len(pc.Ops())-1])

	pc.onState(webrtc.PeerConnectionStateConnected)
	h.waitChange(StateActive)
	require.Equal(t, []State{StateIncomingRinging, StateConnecting, StateActive}, h.path())
}

func TestEarlyCandidatesFromOtherPeersAreDropped(t *testing.T) {
	h := newHarness(t)

	h.deliver(proto.EventCallICECandidate, candidate("mallory", "m1", "x1"))
	h.deliver(proto.EventCallOffer, offerFrom("bob", "k1"))
	require.NoError(t, h.ctrl.Accept(context.Background()))

	require.Equal(t, []string{"remote:offer", "local:answer"}, h.peers.Last().Ops())
}

func TestAcceptBeforeOfferAnswersWhenOfferArrives(t *testing.T) {
	h := newHarness(t)

	h.deliver(proto.EventIncomingCall, incoming("bob", "k1"))
	require.NoError(t, h.ctrl.Accept(context.Background()))
	require.Equal(t, StateConnecting, h.ctrl.State())
	require.Equal(t, []string{proto.CmdAcceptCall}, h.sig.Events())

	h.deliver(proto.EventCallOffer, offerFrom("bob", "k1"))
	require.Eventually(t, func() bool { return len(h.sig.Find(proto.CmdSendAnswer)) == 1 }, waitFor, tick)
	require.Equal(t, []string{"remote:offer", "local:answer"}, h.peers.Last().Ops())
}

func TestOfferBeforeNoticeAdoptsCallID(t *testing.T) {
	h := newHarness(t)

	off := offerFrom("bob", "")
	off.CallType = ""
	h.deliver(proto.EventCallOffer, off)
	require.Equal(t, StateIncomingRinging, h.ctrl.State())

	h.deliver(proto.EventIncomingCall, incoming("bob", "k7"))

	info, ok := h.ctrl.Current()
	require.True(t, ok)
	require.Equal(t, "k7", info.CallID)
	require.Equal(t, proto.CallTypeVideo, info.Type)
	require.Equal(t, "Bob", info.Participants["bob"].DisplayName)

	require.NoError(t, h.ctrl.Accept(context.Background()))
	require.Equal(t, "k7", h.sig.Find(proto.CmdAcceptCall)[0].Payload.(proto.ControlPayload).CallID)
}

func TestSecondCallerGetsBusyOnce(t *testing.T) {
	h := newHarness(t)
	h.active()

	h.deliver(proto.EventIncomingCall, incoming("carol", "c2"))
	h.deliver(proto.EventCallOffer, offerFrom("carol", "c2"))
	h.deliver(proto.EventCallICECandidate, candidate("carol", "c2", "cx"))

	rejects := h.sig.Find(proto.CmdRejectCall)
	require.Len(t, rejects, 1)
	require.Equal(t, "carol", rejects[0].TargetUserID)
	require.Equal(t, proto.ControlPayload{CallID: "c2", Reason: proto.ReasonBusy}, rejects[0].Payload)

	require.Equal(t, StateActive, h.ctrl.State())
	info, _ := h.ctrl.Current()
	require.NotContains(t, info.Participants, "carol")
	require.Zero(t, h.failures(StaleCall))
}

func TestRepeatedAttemptsFromSameCallerEachGetBusy(t *testing.T) {
	h := newHarness(t)
	h.active()

	// No call id on the notice, so both attempts share a peer key.
	for range 2 {
		h.deliver(proto.EventIncomingCall, incoming("carol", ""))
		h.deliver(proto.EventCallOffer, offerFrom("carol", ""))
		h.deliver(proto.EventCallICECandidate, candidate("carol", "", "cx"))
	}

	rejects := h.sig.Find(proto.CmdRejectCall)
	require.Len(t, rejects, 2)
	for _, r := range rejects {
		require.Equal(t, "carol", r.TargetUserID)
		require.Equal(t, proto.ReasonBusy, r.Payload.(proto.ControlPayload).Reason)
	}
	require.Equal(t, StateActive, h.ctrl.State())
	require.Zero(t, h.failures(StaleCall))
}

func TestRepeatedNoticeWithoutOfferGetsBusyAgain(t *testing.T) {
	h := newHarness(t)
	h.active()

	h.deliver(proto.EventIncomingCall, incoming("carol", ""))
	h.deliver(proto.EventIncomingCall, incoming("carol", ""))

	require.Len(t, h.sig.Find(proto.CmdRejectCall), 2)
}

func TestNewCallIDFromCurrentPeerGetsBusy(t *testing.T) {
	h := newHarness(t)
	pc := h.active()
	callID := h.callID()

	h.deliver(proto.EventIncomingCall, incoming("bob", "other-call"))
	h.deliver(proto.EventCallOffer, offerFrom("bob", "other-call"))
	h.deliver(proto.EventCallICECandidate, candidate("bob", "other-call", "cx"))

	rejects := h.sig.Find(proto.CmdRejectCall)
	require.Len(t, rejects, 1)
	require.Equal(t, "bob", rejects[0].TargetUserID)
	require.Equal(t, proto.ControlPayload{CallID: "other-call", Reason: proto.ReasonBusy}, rejects[0].Payload)

	require.Equal(t, StateActive, h.ctrl.State())
	require.Equal(t, callID, h.callID())
	require.NotContains(t, pc.Ops(), "ice:cx")
	require.Zero(t, h.failures(StaleCall))
}

func TestDeclineSendsReject(t *testing.T) {
	h := newHarness(t)
	h.deliver(proto.EventIncomingCall, incoming("bob", "k1"))

	require.NoError(t, h.ctrl.Decline())

	require.Equal(t, StateIdle, h.ctrl.State())
	rejects := h.sig.Find(proto.CmdRejectCall)
	require.Len(t, rejects, 1)
	require.Equal(t, proto.ControlPayload{CallID: "k1", Reason: proto.ReasonDeclined}, rejects[0].Payload)
	require.Zero(t, h.peers.Count())
	require.Equal(t, OutcomeDeclined, h.history.Records()[0].Outcome)
}

func TestHangupWhileRingingDeclines(t *testing.T) {
	h := newHarness(t)
	h.deliver(proto.EventIncomingCall, incoming("bob", "k1"))

	require.NoError(t, h.ctrl.Hangup())
	require.Len(t, h.sig.Find(proto.CmdRejectCall), 1)
	require.Empty(t, h.sig.Find(proto.CmdEndCall))
}

func TestMissedCall(t *testing.T) {
	h := newHarness(t)
	h.deliver(proto.EventIncomingCall, incoming("bob", "k1"))
	h.deliver(proto.EventCallEnded, proto.Control{FromUserID: "bob", CallID: "k1"})

	require.Equal(t, StateIdle, h.ctrl.State())
	require.Empty(t, h.sig.Events())
	require.Equal(t, OutcomeMissed, h.history.Records()[0].Outcome)
}

func TestRemoteEndCancelsAnswerInFlight(t *testing.T) {
	h := newHarness(t)
	h.peers.hangAnswer = true

	h.deliver(proto.EventIncomingCall, incoming("bob", "k1"))
	h.deliver(proto.EventCallOffer, offerFrom("bob", "k1"))

	errc := make(chan error, 1)
	go func() { errc <- h.ctrl.Accept(context.Background()) }()
	require.Eventually(t, func() bool {
		pc := h.peers.Last()
		return pc != nil && pc.Remote() != nil
	}, waitFor, tick)

	h.deliver(proto.EventCallEnded, proto.Control{FromUserID: "bob", CallID: "k1"})

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrCallCancelled)
	case <-time.After(waitFor):
		t.Fatal("Accept did not return after remote end")
	}
	require.Equal(t, StateIdle, h.ctrl.State())
	require.True(t, h.peers.Last().Closed())
	require.Empty(t, h.sig.Find(proto.CmdSendAnswer))
}

func TestMalformedSignalIsRecorded(t *testing.T) {
	h := newHarness(t)

	h.deliver(proto.EventIncomingCall, events.Raw{Data: []byte(`{"callType":"video"}`)})
	h.deliver(proto.EventCallOffer, events.Raw{Data: []byte(`not json`)})

	require.Equal(t, StateIdle, h.ctrl.State())
	require.Equal(t, 2, h.failures(Malformed))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Self: proto.Identity{ID: "alice"}})
	require.Error(t, err)

	_, err = New(Config{
		Signaler:   &fakeSignaler{},
		Dispatcher: events.NewDispatcher(),
		Media:      media.NewSession(&media.Synthetic{}),
		Peers:      &fakeFactory{},
	})
	require.Error(t, err)
}
