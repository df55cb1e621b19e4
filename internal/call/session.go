package call

import (
	"context"
	"maps"
	"time"

	"github.com/pion/webrtc/v4"
)

// earlyCandidateCap bounds candidates buffered per peer before any session
// for that peer exists.
const earlyCandidateCap = 32

// offer is an inbound SDP offer awaiting an answer.
type offer struct {
	From     string
	SDP      webrtc.SessionDescription
	CallType string
}

// peerHandle wraps one peer connection plus its negotiation state.
type peerHandle struct {
	pc PeerConnection

	remoteSet bool // remote description applied and queue flushed
	applying  bool // remote description being applied

	sdpSent    bool                      // our offer/answer has gone out
	localQueue []webrtc.ICECandidateInit // local candidates gathered before that
}

// Session is one call attempt. All fields are guarded by Controller.mu.
type Session struct {
	id          string
	idConfirmed bool // id came from (or was sent to) the remote side

	callType       string
	conversationID string
	direction      Direction
	remoteID       string
	state          State

	participants map[string]*Participant
	peers        map[string]*peerHandle
	pending      map[string][]webrtc.ICECandidateInit // remote candidates awaiting a remote description
	pendingOffer *offer

	signaled       map[string]bool // remotes that have received a signal from us
	localAccepted  bool
	remoteAccepted bool
	awaitingOffer  bool // accepted before the offer arrived

	reason string
	err    error

	startedAt   time.Time
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(id, callType, conversationID string, dir Direction, self, remote Participant) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:             id,
		callType:       callType,
		conversationID: conversationID,
		direction:      dir,
		remoteID:       remote.ID,
		state:          StateIdle,
		participants:   make(map[string]*Participant),
		peers:          make(map[string]*peerHandle),
		pending:        make(map[string][]webrtc.ICECandidateInit),
		signaled:       make(map[string]bool),
		startedAt:      time.Now(),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.participants[self.ID] = &self
	s.participants[remote.ID] = &remote
	return s
}

// matches reports whether an inbound call id belongs to this session. An
// empty id always matches. A session whose id was generated locally adopts
// the first id the remote side uses.
func (s *Session) matches(callID string) bool {
	if callID == "" || callID == s.id {
		return true
	}
	if !s.idConfirmed {
		s.id = callID
		s.idConfirmed = true
		return true
	}
	return false
}

func (s *Session) info() Info {
	ps := make(map[string]Participant, len(s.participants))
	for id, p := range s.participants {
		ps[id] = p.clone()
	}
	return Info{
		CallID:         s.id,
		Type:           s.callType,
		ConversationID: s.conversationID,
		Direction:      s.direction,
		State:          s.state,
		Participants:   ps,
		StartedAt:      s.startedAt,
		ConnectedAt:    s.connectedAt,
	}
}

// queueRemote appends a remote candidate for peer in arrival order.
func (s *Session) queueRemote(peer string, c webrtc.ICECandidateInit) {
	s.pending[peer] = append(s.pending[peer], c)
}

// takeQueue removes and returns the queued remote candidates for peer.
func (s *Session) takeQueue(peer string) []webrtc.ICECandidateInit {
	q := s.pending[peer]
	delete(s.pending, peer)
	return q
}

// adoptEarly moves candidates buffered before the session existed into the
// session queue for its remote peer and drops the rest.
func (s *Session) adoptEarly(early map[string][]webrtc.ICECandidateInit) {
	if q := early[s.remoteID]; len(q) > 0 {
		s.pending[s.remoteID] = append(q, s.pending[s.remoteID]...)
	}
	clear(early)
}

// outcome classifies how the session ended, for history.
func (s *Session) outcome() Outcome {
	switch {
	case !s.connectedAt.IsZero():
		return OutcomeCompleted
	case s.reason == reasonBusy:
		return OutcomeBusy
	case s.reason == reasonRejected:
		return OutcomeRejected
	case s.reason == reasonDeclined:
		return OutcomeDeclined
	case s.reason == reasonCancelled:
		return OutcomeCancelled
	case s.err != nil:
		return OutcomeFailed
	case s.direction == Incoming && !s.localAccepted:
		return OutcomeMissed
	}
	return OutcomeCancelled
}

func (s *Session) record(end time.Time) Record {
	r := Record{
		CallID:         s.id,
		PeerID:         s.remoteID,
		ConversationID: s.conversationID,
		Direction:      s.direction,
		CallType:       s.callType,
		Outcome:        s.outcome(),
		Reason:         s.reason,
		StartedAt:      s.startedAt,
		ConnectedAt:    s.connectedAt,
		EndedAt:        end,
	}
	if p := s.participants[s.remoteID]; p != nil {
		r.PeerName = p.DisplayName
	}
	return r
}

// detach takes every resource the session owns and leaves it empty.
func (s *Session) detach() (peers map[string]*peerHandle) {
	peers = maps.Clone(s.peers)
	clear(s.peers)
	clear(s.pending)
	clear(s.signaled)
	s.pendingOffer = nil
	s.awaitingOffer = false
	return peers
}
