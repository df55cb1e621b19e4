package call

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/rtcomm/internal/media"
)

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// PionFactory creates pion peer connections sharing one API instance.
type PionFactory struct {
	api *webrtc.API

	mu         sync.RWMutex
	iceServers []webrtc.ICEServer
}

// NewPionFactory builds the pion API with the codecs capturer produces, the
// default interceptor chain, and relaxed ICE timeouts.
func NewPionFactory(capturer media.Capturer, iceServers []webrtc.ICEServer) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := media.RegisterCodecs(capturer, mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// The default 5 s disconnected timeout ends calls on short relay or NAT
	// hiccups; 30 s lets ICE recover unnoticed.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	f := &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
	}
	f.SetICEServers(iceServers)
	return f, nil
}

// SetICEServers replaces the ICE servers used for connections created from
// now on.
func (f *PionFactory) SetICEServers(servers []webrtc.ICEServer) {
	if len(servers) == 0 {
		servers = DefaultICEServers
	}
	f.mu.Lock()
	f.iceServers = append([]webrtc.ICEServer(nil), servers...)
	f.mu.Unlock()
}

func (f *PionFactory) NewPeer(ctx context.Context) (PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	cfg := webrtc.Configuration{ICEServers: f.iceServers}
	f.mu.RUnlock()

	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP from the remote must be read for the interceptors (NACK, reports)
	// to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) Receive(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *pionPeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

// OnTrack reports each remote track, asks for a keyframe on video, and
// drains the track until the connection closes.
func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())}}
			if err := p.pc.WriteRTCP(pli); err != nil {
				log.Printf("CALL: PLI for track %s failed: %v", tr.ID(), err)
			}
		}
		fn(RemoteTrack{ID: tr.ID(), StreamID: tr.StreamID(), Kind: tr.Kind()})

		packets := 0
		for {
			if _, _, err := tr.ReadRTP(); err != nil {
				if !errors.Is(err, io.EOF) {
					log.Printf("CALL: remote %s track %s stopped: %v", tr.Kind(), tr.ID(), err)
				}
				break
			}
			packets++
		}
		log.Printf("CALL: remote %s track %s ended after %d packets", tr.Kind(), tr.ID(), packets)
	})
}

func (p *pionPeer) Close() error { return p.pc.Close() }
