// Package call is the call signaling controller: the call state machine,
// per-peer WebRTC connections, offer/answer/ICE exchange over the realtime
// connection, and the one-call-at-a-time policy.
//
// Coupling to the rest of the client is through the Signaler interface for
// outbound commands and the events.Dispatcher for inbound signals and state
// notifications.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/rtcomm/internal/events"
	"github.com/petervdpas/rtcomm/internal/media"
	"github.com/petervdpas/rtcomm/internal/proto"
	"github.com/petervdpas/rtcomm/internal/util"
)

// Teardown reasons carried in StateChange.Reason and Record.Reason.
const (
	reasonHangup      = "hangup"
	reasonRemoteEnded = "remote ended"
	reasonBusy        = proto.ReasonBusy
	reasonRejected    = "rejected"
	reasonDeclined    = proto.ReasonDeclined
	reasonMedia       = "media unavailable"
	reasonPeerFailed  = "peer connection failed"
	reasonCancelled   = "cancelled"
	reasonFailed      = "failed"
)

// Config wires a Controller to its collaborators. History is optional.
type Config struct {
	Self       proto.Identity
	Signaler   Signaler
	Dispatcher *events.Dispatcher
	Media      *media.Session
	Peers      PeerFactory
	History    History
}

// Controller owns at most one call session.
//
// c.mu guards the session and is never held across device, SDP or network
// calls. Every suspension point is followed by a checkpoint that abandons
// the work if the session was torn down meanwhile.
type Controller struct {
	self    proto.Identity
	sig     Signaler
	disp    *events.Dispatcher
	media   *media.Session
	peers   PeerFactory
	history History

	listeners map[string]*events.Listener

	mu       sync.Mutex
	sess     *Session
	early    map[string][]webrtc.ICECandidateInit // candidates from peers with no session yet
	rejected map[string]*rejection                // last busy attempt per peer/callId

	// State notifications are queued under mu and published in order by
	// publishLoop, so listeners may call back into the controller.
	outMu    sync.Mutex
	outbox   []events.Event
	wake     chan struct{}
	done     chan struct{}
	loopDone chan struct{}
	once     sync.Once
}

// New creates a controller. Call Attach to start receiving signals.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Signaler == nil:
		return nil, errors.New("call: signaler is required")
	case cfg.Dispatcher == nil:
		return nil, errors.New("call: dispatcher is required")
	case cfg.Media == nil:
		return nil, errors.New("call: media session is required")
	case cfg.Peers == nil:
		return nil, errors.New("call: peer factory is required")
	}
	self, err := util.ValidateUserID(cfg.Self.ID)
	if err != nil {
		return nil, fmt.Errorf("call: self: %w", err)
	}
	cfg.Self.ID = self

	c := &Controller{
		self:     cfg.Self,
		sig:      cfg.Signaler,
		disp:     cfg.Dispatcher,
		media:    cfg.Media,
		peers:    cfg.Peers,
		history:  cfg.History,
		early:    make(map[string][]webrtc.ICECandidateInit),
		rejected: make(map[string]*rejection),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	c.listeners = map[string]*events.Listener{
		proto.EventIncomingCall:     events.Listen(c.onIncomingCall),
		proto.EventCallOffer:        events.Listen(c.onOffer),
		proto.EventCallAnswer:       events.Listen(c.onAnswer),
		proto.EventCallICECandidate: events.Listen(c.onCandidate),
		proto.EventCallAccepted:     events.Listen(c.onAccepted),
		proto.EventCallRejected:     events.Listen(c.onRejected),
		proto.EventCallEnded:        events.Listen(c.onEnded),
	}
	go c.publishLoop()
	return c, nil
}

// Attach registers the controller's signal handlers on the dispatcher.
// Idempotent; call again after the dispatcher has been reset.
func (c *Controller) Attach() {
	for name, l := range c.listeners {
		c.disp.On(name, l)
	}
}

// Detach removes the controller's signal handlers.
func (c *Controller) Detach() {
	for name, l := range c.listeners {
		c.disp.Off(name, l)
	}
}

// Close hangs up any call, detaches and stops publishing.
func (c *Controller) Close() {
	_ = c.Hangup()
	c.Detach()
	c.once.Do(func() { close(c.done) })
	<-c.loopDone
}

// State returns the current call state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return StateIdle
	}
	return c.sess.state
}

// Current returns a snapshot of the call in progress.
func (c *Controller) Current() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return Info{}, false
	}
	return c.sess.info(), true
}

// ── Local operations ─────────────────────────────────────────────────────────

// StartCall calls target. It returns once the offer has been sent and the
// call is ringing, or with the error that ended the attempt.
func (c *Controller) StartCall(ctx context.Context, target Target, conversationID, callType string) error {
	callType, err := normalizeType(callType)
	if err != nil {
		return &SignalingError{Kind: Malformed, Err: err}
	}
	peer, err := util.ValidateUserID(target.ID)
	if err != nil {
		return &SignalingError{Kind: Malformed, Err: err}
	}
	if peer == c.self.ID {
		return &SignalingError{Kind: InvalidState, Peer: peer, Err: errors.New("cannot call yourself")}
	}

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return &SignalingError{Kind: InvalidState, Peer: peer, Err: ErrCallInProgress}
	}
	remote := Participant{
		ID:          peer,
		DisplayName: target.DisplayName,
		Avatar:      target.Avatar,
		IsCameraOn:  callType == proto.CallTypeVideo,
	}
	s := newSession(uuid.NewString(), callType, conversationID, Outgoing, c.selfParticipant(callType), remote)
	s.idConfirmed = true
	s.adoptEarly(c.early)
	c.sess = s
	c.moveLocked(s, StateInitiating)
	c.mu.Unlock()

	log.Printf("CALL [%s]: calling %s (%s)", util.ShortID(s.id), peer, callType)

	opCtx, stop := opContext(ctx, s)
	defer stop()
	if err := c.startOutgoing(opCtx, s, peer); err != nil {
		return c.abort(s, err)
	}
	return nil
}

func (c *Controller) startOutgoing(ctx context.Context, s *Session, peer string) error {
	stream, err := c.media.Acquire(ctx, true, s.callType == proto.CallTypeVideo)
	if err != nil {
		return err
	}
	if err := c.checkpoint(ctx, s); err != nil {
		return err
	}
	c.setLocalStream(s, stream)

	h, err := c.openPeer(ctx, s, peer, stream)
	if err != nil {
		return err
	}
	// Receive the remote side's media even when a local device is missing.
	if len(stream.Kind(webrtc.RTPCodecTypeAudio)) == 0 {
		if err := h.pc.Receive(webrtc.RTPCodecTypeAudio); err != nil {
			return &PeerConnectionError{Peer: peer, Err: err}
		}
	}
	if s.callType == proto.CallTypeVideo && !stream.HasVideo() {
		if err := h.pc.Receive(webrtc.RTPCodecTypeVideo); err != nil {
			return &PeerConnectionError{Peer: peer, Err: err}
		}
	}

	off, err := h.pc.CreateOffer(ctx)
	if err != nil {
		return &PeerConnectionError{Peer: peer, Err: fmt.Errorf("create offer: %w", err)}
	}
	if err := c.checkpoint(ctx, s); err != nil {
		return err
	}

	callID := c.callID(s)
	if err := c.send(ctx, s, peer, proto.CmdInitiateCall, proto.InitiatePayload{
		CallID:   callID,
		CallType: s.callType,
		From:     c.self,
	}); err != nil {
		return err
	}
	if err := c.checkpoint(ctx, s); err != nil {
		return err
	}
	if err := c.send(ctx, s, peer, proto.CmdSendOffer, proto.SDPPayload{
		CallID:   callID,
		CallType: s.callType,
		Type:     webrtc.SDPTypeOffer.String(),
		SDP:      off.SDP,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	if c.sess != s || s.state != StateInitiating {
		c.mu.Unlock()
		return ErrCallCancelled
	}
	c.moveLocked(s, StateOutgoingRinging)
	queued := h.markSent()
	c.mu.Unlock()

	c.sendCandidates(s, peer, queued)
	return nil
}

// Accept answers the ringing incoming call. If the caller's offer has not
// arrived yet, the answer is sent as soon as it does.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.direction != Incoming || s.state != StateIncomingRinging {
		c.mu.Unlock()
		return &SignalingError{Kind: InvalidState, Err: ErrNoIncomingCall}
	}
	s.localAccepted = true
	c.moveLocked(s, StateConnecting)
	peer := s.remoteID
	c.mu.Unlock()

	opCtx, stop := opContext(ctx, s)
	defer stop()
	if err := c.acceptIncoming(opCtx, s, peer); err != nil {
		return c.abort(s, err)
	}
	return nil
}

func (c *Controller) acceptIncoming(ctx context.Context, s *Session, peer string) error {
	stream, err := c.media.Acquire(ctx, true, s.callType == proto.CallTypeVideo)
	if err != nil {
		return err
	}
	if err := c.checkpoint(ctx, s); err != nil {
		return err
	}
	c.setLocalStream(s, stream)

	if _, err := c.openPeer(ctx, s, peer, stream); err != nil {
		return err
	}
	if err := c.send(ctx, s, peer, proto.CmdAcceptCall, proto.ControlPayload{CallID: c.callID(s)}); err != nil {
		return err
	}

	c.mu.Lock()
	if c.sess != s || !s.state.Live() {
		c.mu.Unlock()
		return ErrCallCancelled
	}
	if s.pendingOffer == nil {
		s.awaitingOffer = true
		c.mu.Unlock()
		log.Printf("CALL [%s]: accepted, waiting for offer from %s", util.ShortID(s.id), peer)
		return nil
	}
	c.mu.Unlock()
	return c.answer(ctx, s, peer)
}

// answer applies the stored offer, flushes queued candidates and sends the
// answer.
func (c *Controller) answer(ctx context.Context, s *Session, peer string) error {
	c.mu.Lock()
	h := s.peers[peer]
	o := s.pendingOffer
	if c.sess != s || h == nil || o == nil || h.applying || h.remoteSet {
		c.mu.Unlock()
		return nil
	}
	h.applying = true
	c.mu.Unlock()

	if err := h.pc.SetRemoteDescription(o.SDP); err != nil {
		return &PeerConnectionError{Peer: peer, Err: fmt.Errorf("apply offer: %w", err)}
	}
	if err := c.flushRemote(ctx, s, peer, h); err != nil {
		return err
	}

	ans, err := h.pc.CreateAnswer(ctx)
	if err != nil {
		return &PeerConnectionError{Peer: peer, Err: fmt.Errorf("create answer: %w", err)}
	}
	if err := c.checkpoint(ctx, s); err != nil {
		return err
	}
	if err := c.send(ctx, s, peer, proto.CmdSendAnswer, proto.SDPPayload{
		CallID:   c.callID(s),
		CallType: s.callType,
		Type:     webrtc.SDPTypeAnswer.String(),
		SDP:      ans.SDP,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return ErrCallCancelled
	}
	s.pendingOffer = nil
	queued := h.markSent()
	c.mu.Unlock()

	c.sendCandidates(s, peer, queued)
	log.Printf("CALL [%s]: answer sent to %s", util.ShortID(s.id), peer)
	return nil
}

// Decline rejects the ringing incoming call.
func (c *Controller) Decline() error {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.direction != Incoming || s.state != StateIncomingRinging {
		c.mu.Unlock()
		return &SignalingError{Kind: InvalidState, Err: ErrNoIncomingCall}
	}
	peer, callID, conv := s.remoteID, s.id, s.conversationID
	s.signaled[peer] = true
	c.mu.Unlock()

	err := c.emit(context.Background(), peer, conv, proto.CmdRejectCall,
		proto.ControlPayload{CallID: callID, Reason: proto.ReasonDeclined})
	c.end(s, StateEnded, reasonDeclined, nil)
	if err != nil {
		return fmt.Errorf("decline: %w", err)
	}
	return nil
}

// Hangup ends the call in any state. A ringing incoming call is declined.
// Safe to call when idle.
func (c *Controller) Hangup() error {
	c.mu.Lock()
	s := c.sess
	if s == nil || !s.state.Live() {
		c.mu.Unlock()
		return nil
	}
	if s.direction == Incoming && s.state == StateIncomingRinging {
		c.mu.Unlock()
		return c.Decline()
	}
	var targets []string
	for id := range s.signaled {
		targets = append(targets, id)
	}
	slices.Sort(targets)
	callID, conv := s.id, s.conversationID
	c.mu.Unlock()

	c.end(s, StateEnded, reasonHangup, nil)

	var errs []error
	for _, peer := range targets {
		if err := c.emit(context.Background(), peer, conv, proto.CmdEndCall, proto.ControlPayload{CallID: callID}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ToggleMute flips the microphone and returns the new muted state.
func (c *Controller) ToggleMute() bool {
	muted := c.media.ToggleMute()
	c.updateSelf(func(p *Participant) { p.IsMuted = muted })
	return muted
}

// ToggleVideo flips the camera and returns whether it is now on.
func (c *Controller) ToggleVideo() bool {
	on := c.media.ToggleVideo()
	c.updateSelf(func(p *Participant) { p.IsCameraOn = on })
	return on
}

func (c *Controller) updateSelf(fn func(*Participant)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sess
	if s == nil {
		return
	}
	if p := s.participants[c.self.ID]; p != nil {
		fn(p)
		c.participantChangedLocked(s, p)
	}
}

// ── Inbound signals ──────────────────────────────────────────────────────────

func (c *Controller) onIncomingCall(e events.Event) error {
	var p proto.IncomingCall
	if err := e.Decode(&p); err != nil {
		return &SignalingError{Kind: Malformed, Event: e.Name, Err: err}
	}
	if err := p.Validate(); err != nil {
		return &SignalingError{Kind: Malformed, Event: e.Name, Err: err}
	}
	callType, err := normalizeType(p.CallType)
	if err != nil {
		return &SignalingError{Kind: Malformed, Event: e.Name, Peer: p.FromUserID, Err: err}
	}
	remote := Participant{
		ID:          p.FromUserID,
		DisplayName: p.From.Name,
		Avatar:      p.From.Avatar,
		IsCameraOn:  callType == proto.CallTypeVideo,
	}

	c.mu.Lock()
	s := c.sess
	switch {
	case s == nil:
		s = c.newIncomingLocked(p.CallID, callType, p.ConversationID, remote)
		c.mu.Unlock()
		log.Printf("CALL [%s]: incoming %s call from %s", util.ShortID(s.id), callType, p.FromUserID)
		return nil

	case s.remoteID == p.FromUserID && s.state.Live():
		if !s.matches(p.CallID) {
			// Same peer, new call id: a second call.
			c.mu.Unlock()
			return c.rejectBusy(p.FromUserID, p.CallID, p.ConversationID, false)
		}
		if s.direction == Incoming && s.state == StateIncomingRinging {
			// The offer got here first; fill in the caller card.
			rp := s.participants[s.remoteID]
			rp.DisplayName, rp.Avatar, rp.IsCameraOn = remote.DisplayName, remote.Avatar, remote.IsCameraOn
			s.callType = callType
			if sp := s.participants[c.self.ID]; sp != nil {
				sp.IsCameraOn = callType == proto.CallTypeVideo && c.media.IsVideoEnabled()
			}
			if s.conversationID == "" {
				s.conversationID = p.ConversationID
			}
			c.participantChangedLocked(s, rp)
		}
		c.mu.Unlock()
		return nil

	default:
		c.mu.Unlock()
		return c.rejectBusy(p.FromUserID, p.CallID, p.ConversationID, false)
	}
}

func (c *Controller) onOffer(e events.Event) error {
	var p proto.SessionDescription
	if err := e.Decode(&p); err != nil {
		return &SignalingError{Kind: Malformed, Event: e.Name, Err: err}
	}
	if err := p.Validate(); err != nil {
		return &SignalingError{Kind: Malformed, Event: e.Name, Err: err}
	}
	callType, err := normalizeType(p.CallType)
	if err != nil {
		return &SignalingError{Kind: Malformed, Event: e.Name, Peer: p.FromUserID, Err: err}
	}
	o := &offer{
		From:     p.FromUserID,
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP.SDP},
		CallType: callType,
	}

	c.mu.Lock()
	s := c.sess
	switch {
	case s == nil:
		s = c.newIncomingLocked(p.CallID, callType, p.ConversationID, Participant{
			ID:         p.FromUserID,
			IsCameraOn: callType == proto.CallTypeVideo,
		})
		s.pendingOffer = o
		c.mu.Unlock()
		log.Printf("CALL [%s]: offer from %s before call notice", util.ShortID(s.id), p.FromUserID)
		return nil

	case s.remoteID == p.FromUserID && s.state.Live():
		if !s.matches(p.CallID) {
			c.mu.Unlock()
			return c.rejectBusy(p.FromUserID, p.CallID, p.ConversationID, true)
		}
		if s.direction != Incoming {
			c.mu.Unlock()
			return &SignalingError{Kind: InvalidState, Event: e.Name, Peer: p.FromUserID,
				Err: errors.New("offer received for an outgoing call")}
		}
		if h := s.peers[p.FromUserID]; s.pendingOffer != nil || (h != nil && (h.applying || h.remoteSet)) {
			c.mu.Unlock()
			log.Printf("CALL [%s]: ignoring repeated offer from %s", util.ShortID(s.id), p.FromUserID)
			return nil
		}
		s.pendingOffer = o
		resume := s.awaitingOffer
		s.awaitingOffer = false
		c.mu.Unlock()
		if resume {
			go c.resumeAnswer(s, p.FromUserID)
		}
		return nil

	default:
		c.mu.Unlock()
		return c.rejectBusy(p.FromUserID, p.CallID, p.ConversationID, true)
	}
}

func (c *Controller) resumeAnswer(s *Session, peer string) {
	if err := c.answer(s.ctx, s, peer); err != nil {
		err = c.abort(s, err)
		log.Printf("CALL [%s]: answering late offer: %v", util.ShortID(s.id), err)
	}
}

func (c *Controller) onAnswer(e events.Event) error {
	var p proto.SessionDescription
	if err := e.Decode(&p); err != nil {
		return &SignalingError{Kind: Malformed, Event: e.Name, Err: err}
	}
	if err := p.Validate(); err != nil {
		return &SignalingError{Kind: Malformed, Event: e.Name, Err: err}
	}

	c.mu.Lock()
	s := c.sess
	if s == nil || !s.state.Live() || s.remoteID != p.FromUserID || !s.matches(p.CallID) {
		c.mu.Unlock()
		return &SignalingError{Kind: StaleCall, Event: e.Name, Peer: p.FromUserID}
	}
	if s.direction != Outgoing {
		c.mu.Unlock()
		return &SignalingError{Kind: InvalidState, Event: e.Name, Peer: p.FromUserID,
			Err: errors.New("answer received for an incoming call")}
	}
	h := s.peers[p.FromUserID]
	if h == nil || h.applying || h.remoteSet {
		c.mu.Unlock()
		return nil
	}
	h.applying = true
	c.mu.Unlock()

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP.SDP}
	go c.applyAnswer(s, p.FromUserID, h, desc)
	return nil
}

func (c *Controller) applyAnswer(s *Session, peer string, h *peerHandle, desc webrtc.SessionDescription) {
	if err := h.pc.SetRemoteDescription(desc); err != nil {
		_ = c.abort(s, &PeerConnectionError{Peer: peer, Err: fmt.Errorf("apply answer: %w", err)})
		return
	}
	if err := c.flushRemote(s.ctx, s, peer, h); err != nil {
		return
	}
	log.Printf("CALL [%s]: answer from %s applied", util.ShortID(c.callID(s)), peer)
}

func (c *Controller) onCandidate(e events.Event) error {
	var p proto.Candidate
	if err := e.Decode(&p); err != nil {
		return &SignalingError{Kind: Malformed, Event: e.Name, Err: err}
	}
	if err := p.Validate(); err != nil {
		return &SignalingError{Kind: Malformed, Event: e.Name, Err: err}
	}
	ci := toInit(p.Candidate)

	c.mu.Lock()
	s := c.sess
	if s == nil {
		q := append(c.early[p.FromUserID], ci)
		if len(q) > earlyCandidateCap {
			q = q[len(q)-earlyCandidateCap:]
		}
		c.early[p.FromUserID] = q
		c.mu.Unlock()
		return nil
	}
	if s.remoteID != p.FromUserID || !s.state.Live() || !s.matches(p.CallID) {
		busy := c.rejected[rejectKey(p.FromUserID, p.CallID)] != nil
		c.mu.Unlock()
		if busy {
			return nil
		}
		return &SignalingError{Kind: StaleCall, Event: e.Name, Peer: p.FromUserID}
	}
	h := s.peers[p.FromUserID]
	if h == nil || !h.remoteSet {
		s.queueRemote(p.FromUserID, ci)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := h.pc.AddICECandidate(ci); err != nil {
		return &PeerConnectionError{Peer: p.FromUserID, Err: fmt.Errorf("add candidate: %w", err)}
	}
	return nil
}

func (c *Controller) onAccepted(e events.Event) error {
	s, p, err := c.controlTarget(e)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.sess == s {
		s.remoteAccepted = true
	}
	c.mu.Unlock()
	log.Printf("CALL [%s]: %s accepted", util.ShortID(c.callID(s)), p.FromUserID)
	return nil
}

func (c *Controller) onRejected(e events.Event) error {
	s, p, err := c.controlTarget(e)
	if err != nil {
		return err
	}
	if s.direction != Outgoing {
		return &SignalingError{Kind: InvalidState, Event: e.Name, Peer: p.FromUserID,
			Err: errors.New("rejection received for an incoming call")}
	}
	kind, sentinel, reason := Rejected, ErrCallRejected, reasonRejected
	if p.Reason == proto.ReasonBusy {
		kind, sentinel, reason = Busy, ErrCalleeBusy, reasonBusy
	}
	c.end(s, StateEnded, reason, &SignalingError{Kind: kind, Event: e.Name, Peer: s.remoteID, Err: sentinel})
	return nil
}

func (c *Controller) onEnded(e events.Event) error {
	s, _, err := c.controlTarget(e)
	if err != nil {
		return err
	}
	c.end(s, StateEnded, reasonRemoteEnded, nil)
	return nil
}

// controlTarget resolves the session a control signal applies to. Every
// field of the payload is optional.
func (c *Controller) controlTarget(e events.Event) (*Session, proto.Control, error) {
	var p proto.Control
	if e.Payload != nil {
		if err := e.Decode(&p); err != nil {
			if r, ok := e.Payload.(events.Raw); !ok || len(r.Data) > 0 {
				return nil, p, &SignalingError{Kind: Malformed, Event: e.Name, Err: err}
			}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sess
	if s == nil || !s.state.Live() || (p.FromUserID != "" && p.FromUserID != s.remoteID) || !s.matches(p.CallID) {
		return nil, p, &SignalingError{Kind: StaleCall, Event: e.Name, Peer: p.FromUserID}
	}
	if p.FromUserID == "" {
		p.FromUserID = s.remoteID
	}
	return s, p, nil
}

// ── Peer connection callbacks ────────────────────────────────────────────────

func (c *Controller) localCandidate(s *Session, peer string, ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	h := s.peers[peer]
	if c.sess != s || !s.state.Live() || h == nil {
		c.mu.Unlock()
		return
	}
	if !h.sdpSent {
		h.localQueue = append(h.localQueue, ci)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendCandidates(s, peer, []webrtc.ICECandidateInit{ci})
}

func (c *Controller) peerState(s *Session, peer string, st webrtc.PeerConnectionState) {
	c.mu.Lock()
	if c.sess != s || !s.state.Live() {
		c.mu.Unlock()
		return
	}
	if p := s.participants[peer]; p != nil {
		p.ConnectionState = st.String()
		c.participantChangedLocked(s, p)
	}
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.state == StateOutgoingRinging || s.state == StateConnecting {
			s.connectedAt = time.Now()
			c.moveLocked(s, StateActive)
		}
		c.mu.Unlock()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		c.mu.Unlock()
		log.Printf("CALL [%s]: peer connection to %s %s", util.ShortID(s.id), peer, st)
		c.end(s, StateEnded, reasonPeerFailed, &PeerConnectionError{Peer: peer, State: st})
	default:
		c.mu.Unlock()
	}
}

func (c *Controller) remoteTrack(s *Session, peer string, rt RemoteTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s {
		return
	}
	p := s.participants[peer]
	if p == nil {
		return
	}
	if p.Stream == nil || p.Stream.ID != rt.StreamID {
		p.Stream = &StreamInfo{ID: rt.StreamID}
	}
	if k := rt.Kind.String(); !slices.Contains(p.Stream.Kinds, k) {
		p.Stream.Kinds = append(p.Stream.Kinds, k)
	}
	log.Printf("CALL [%s]: remote %s track from %s", util.ShortID(s.id), rt.Kind, peer)
	c.participantChangedLocked(s, p)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (c *Controller) newIncomingLocked(callID, callType, conversationID string, remote Participant) *Session {
	id := callID
	if id == "" {
		id = uuid.NewString()
	}
	s := newSession(id, callType, conversationID, Incoming, c.selfParticipant(callType), remote)
	s.idConfirmed = callID != ""
	s.adoptEarly(c.early)
	c.sess = s
	c.moveLocked(s, StateIncomingRinging)
	return s
}

func (c *Controller) selfParticipant(callType string) Participant {
	return Participant{
		ID:          c.self.ID,
		DisplayName: c.self.Name,
		Avatar:      c.self.Avatar,
		IsMuted:     c.media.IsMuted(),
		IsCameraOn:  callType == proto.CallTypeVideo && c.media.IsVideoEnabled(),
	}
}

func (c *Controller) setLocalStream(s *Session, stream *media.Stream) {
	info := &StreamInfo{}
	for _, t := range stream.Tracks() {
		info.ID = t.StreamID()
		info.Kinds = append(info.Kinds, t.Kind().String())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := s.participants[c.self.ID]; p != nil && c.sess == s {
		p.Stream = info
		if !stream.HasVideo() {
			p.IsCameraOn = false
		}
		c.participantChangedLocked(s, p)
	}
}

// openPeer creates the peer connection for peer and attaches the shared
// local tracks.
func (c *Controller) openPeer(ctx context.Context, s *Session, peer string, stream *media.Stream) (*peerHandle, error) {
	pc, err := c.peers.NewPeer(ctx)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) { c.localCandidate(s, peer, ci) })
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) { c.peerState(s, peer, st) })
	pc.OnTrack(func(rt RemoteTrack) { c.remoteTrack(s, peer, rt) })

	for _, t := range stream.Tracks() {
		if err := pc.AddTrack(t); err != nil {
			_ = pc.Close()
			return nil, &PeerConnectionError{Peer: peer, Err: fmt.Errorf("attach %s track: %w", t.Kind(), err)}
		}
	}

	h := &peerHandle{pc: pc}
	c.mu.Lock()
	if c.sess != s || !s.state.Live() {
		c.mu.Unlock()
		_ = pc.Close()
		return nil, ErrCallCancelled
	}
	s.peers[peer] = h
	c.mu.Unlock()
	return h, nil
}

// flushRemote applies queued remote candidates in arrival order, then marks
// the remote description as applied. Candidates that arrive during the flush
// are queued and picked up by the next round.
func (c *Controller) flushRemote(ctx context.Context, s *Session, peer string, h *peerHandle) error {
	for {
		if err := c.checkpoint(ctx, s); err != nil {
			return err
		}
		c.mu.Lock()
		q := s.takeQueue(peer)
		if len(q) == 0 {
			h.remoteSet = true
			h.applying = false
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		for _, ci := range q {
			if err := h.pc.AddICECandidate(ci); err != nil {
				log.Printf("CALL [%s]: queued candidate from %s rejected: %v", util.ShortID(c.callID(s)), peer, err)
			}
		}
	}
}

func (h *peerHandle) markSent() []webrtc.ICECandidateInit {
	h.sdpSent = true
	q := h.localQueue
	h.localQueue = nil
	return q
}

func (c *Controller) sendCandidates(s *Session, peer string, cands []webrtc.ICECandidateInit) {
	callID := c.callID(s)
	for _, ci := range cands {
		if err := c.send(s.ctx, s, peer, proto.CmdSendICECandidate, proto.CandidatePayload{
			CallID:    callID,
			Candidate: fromInit(ci),
		}); err != nil {
			log.Printf("CALL [%s]: sending candidate to %s: %v", util.ShortID(callID), peer, err)
			return
		}
	}
}

// send emits a call command to peer and remembers that peer has been
// signaled, so a hangup knows whom to notify.
func (c *Controller) send(ctx context.Context, s *Session, peer, event string, payload any) error {
	c.mu.Lock()
	s.signaled[peer] = true
	conv := s.conversationID
	c.mu.Unlock()
	return c.emit(ctx, peer, conv, event, payload)
}

func (c *Controller) emit(ctx context.Context, peer, conv, event string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, util.DefaultWriteTimeout)
	defer cancel()
	if err := c.sig.Emit(ctx, event, proto.Outbound{
		TargetUserID:   peer,
		ConversationID: conv,
		Payload:        payload,
	}); err != nil {
		return fmt.Errorf("%s to %s: %w", event, peer, err)
	}
	return nil
}

// rejection tracks which halves of one busy call attempt have been seen.
// A call attempt is an incoming_call notice plus its offer, in either order.
type rejection struct {
	notice, offer bool
}

// rejectBusy answers a second call with a busy reject, once per attempt. The
// other half of an already rejected attempt is swallowed; a half seen twice
// starts a new attempt.
func (c *Controller) rejectBusy(peer, callID, conv string, isOffer bool) error {
	key := rejectKey(peer, callID)
	c.mu.Lock()
	if r := c.rejected[key]; r != nil {
		if isOffer && !r.offer {
			r.offer = true
			c.mu.Unlock()
			return nil
		}
		if !isOffer && !r.notice {
			r.notice = true
			c.mu.Unlock()
			return nil
		}
	}
	c.rejected[key] = &rejection{notice: !isOffer, offer: isOffer}
	c.mu.Unlock()

	log.Printf("CALL: busy, rejecting call from %s", peer)
	return c.emit(context.Background(), peer, conv, proto.CmdRejectCall,
		proto.ControlPayload{CallID: callID, Reason: proto.ReasonBusy})
}

func rejectKey(peer, callID string) string { return peer + "/" + callID }

func (c *Controller) callID(s *Session) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.id
}

// checkpoint abandons work for a session that has been torn down, or whose
// operation context has ended.
func (c *Controller) checkpoint(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s || !s.state.Live() {
		return ErrCallCancelled
	}
	return nil
}

// abort ends s after a failed local operation and returns the error the
// caller should see.
func (c *Controller) abort(s *Session, err error) error {
	c.mu.Lock()
	live := c.sess == s && s.state.Live()
	c.mu.Unlock()
	if !live {
		return ErrCallCancelled
	}

	var mae *media.MediaAccessError
	var pce *PeerConnectionError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrCallCancelled):
		c.end(s, StateEnded, reasonCancelled, ErrCallCancelled)
		return fmt.Errorf("%w: %w", ErrCallCancelled, err)
	case errors.As(err, &mae):
		c.end(s, StateEnded, reasonMedia, err)
	case errors.As(err, &pce):
		c.end(s, StateEnded, reasonPeerFailed, err)
	default:
		c.end(s, StateError, reasonFailed, err)
	}
	return err
}

// end tears s down and reports to (ended or error) followed by idle. Peer
// connections are closed and media released before anything is reported.
// Only the first call for a session has any effect.
func (c *Controller) end(s *Session, to State, reason string, cause error) {
	c.mu.Lock()
	if c.sess != s || !s.state.Live() {
		c.mu.Unlock()
		return
	}
	s.cancel()
	s.reason, s.err = reason, cause
	ended, _ := c.transitionLocked(s, to)
	peers := s.detach()
	clear(c.early)
	clear(c.rejected)
	c.mu.Unlock()

	for id, h := range peers {
		if err := h.pc.Close(); err != nil {
			log.Printf("CALL [%s]: closing peer connection to %s: %v", util.ShortID(s.id), id, err)
		}
	}
	c.media.Release()

	c.mu.Lock()
	rec := s.record(time.Now())
	c.sess = nil
	idle, _ := c.transitionLocked(s, StateIdle)
	c.enqueue(stateEvent(ended), stateEvent(idle))
	c.mu.Unlock()

	if cause != nil {
		log.Printf("CALL [%s]: ended (%s): %v", util.ShortID(rec.CallID), reason, cause)
	} else {
		log.Printf("CALL [%s]: ended (%s)", util.ShortID(rec.CallID), reason)
	}

	if c.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		if err := c.history.Record(ctx, rec); err != nil {
			log.Printf("CALL [%s]: recording history: %v", util.ShortID(rec.CallID), err)
		}
	}
}

// transitionLocked moves s to state `to` if the table allows it.
func (c *Controller) transitionLocked(s *Session, to State) (StateChange, bool) {
	from := s.state
	if !CanTransition(from, to) {
		log.Printf("CALL [%s]: illegal transition %s → %s ignored", util.ShortID(s.id), from, to)
		return StateChange{}, false
	}
	s.state = to
	return StateChange{
		From:   from,
		To:     to,
		CallID: s.id,
		Peer:   s.remoteID,
		Reason: s.reason,
		Err:    s.err,
	}, true
}

// moveLocked transitions s and queues the notification.
func (c *Controller) moveLocked(s *Session, to State) bool {
	ch, ok := c.transitionLocked(s, to)
	if ok {
		log.Printf("CALL [%s]: %s → %s", util.ShortID(s.id), ch.From, ch.To)
		c.enqueue(stateEvent(ch))
	}
	return ok
}

func (c *Controller) participantChangedLocked(s *Session, p *Participant) {
	c.enqueue(events.Event{
		Name:    proto.EventCallParticipantUpdated,
		Payload: ParticipantUpdate{CallID: s.id, Participant: p.clone()},
	})
}

func stateEvent(ch StateChange) events.Event {
	return events.Event{Name: proto.EventCallStateChanged, Payload: ch}
}

func (c *Controller) enqueue(evs ...events.Event) {
	c.outMu.Lock()
	c.outbox = append(c.outbox, evs...)
	c.outMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) publishLoop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.wake:
			c.drain()
		case <-c.done:
			c.drain()
			return
		}
	}
}

func (c *Controller) drain() {
	for {
		c.outMu.Lock()
		batch := c.outbox
		c.outbox = nil
		c.outMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			c.disp.Publish(e)
		}
	}
}

// opContext is ctx, additionally cancelled when the session is torn down.
func opContext(ctx context.Context, s *Session) (context.Context, context.CancelFunc) {
	op, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return op, func() {
		stop()
		cancel()
	}
}

func normalizeType(t string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", proto.CallTypeAudio:
		return proto.CallTypeAudio, nil
	case proto.CallTypeVideo:
		return proto.CallTypeVideo, nil
	}
	return "", fmt.Errorf("unknown call type %q", t)
}
