package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// PeerState is the lifecycle the manager reacts to. failed/disconnected
// trigger an ICE restart, closed evicts the peer connection.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// Payload is what travels inside the relay's opaque data field: an SDP, a
// trickled candidate, or a restart-flagged offer. The relay never sees
// this type.
type Payload struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Restart   bool                       `json:"restart,omitempty"`
}

// PeerConn abstracts one peer-to-peer media connection so manager tests
// can run against a fake engine.
type PeerConn interface {
	// CreateOffer returns the offer payload to relay, restart-flagged when
	// renegotiating a failed ICE path.
	CreateOffer(iceRestart bool) (json.RawMessage, error)
	// HandleRemote applies a remote payload; a remote offer yields the
	// answer payload to relay back, anything else yields nil.
	HandleRemote(data json.RawMessage) (json.RawMessage, error)
	OnICECandidate(func(json.RawMessage))
	OnStateChange(func(PeerState))
	OnRemoteTrack(func())
	Close()
}

// Engine creates peer connections.
type Engine interface {
	NewPeer() (PeerConn, error)
}

// RTCEngine is the pion-backed engine used outside of tests.
type RTCEngine struct {
	cfg webrtc.Configuration
}

func NewRTCEngine(iceServers []string) *RTCEngine {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &RTCEngine{cfg: cfg}
}

func (e *RTCEngine) NewPeer() (PeerConn, error) {
	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &rtcPeer{pc: pc}
	p.bind()
	return p, nil
}

type rtcPeer struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	onICE   func(json.RawMessage)
	onState func(PeerState)
	onTrack func()
}

func (p *rtcPeer) bind() {
	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "client.rtc").Str("ice_state", s.String()).Msg("ICE state")
		var st PeerState
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			st = PeerConnected
		case webrtc.ICEConnectionStateDisconnected:
			st = PeerDisconnected
		case webrtc.ICEConnectionStateFailed:
			st = PeerFailed
		case webrtc.ICEConnectionStateClosed:
			st = PeerClosed
		default:
			return
		}
		p.emitState(st)
	})

	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateClosed || s == webrtc.PeerConnectionStateFailed {
			p.emitState(PeerClosed)
		}
	})

	p.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		p.mu.Lock()
		fn := p.onICE
		p.mu.Unlock()
		if fn == nil {
			return
		}
		init := cand.ToJSON()
		b, err := json.Marshal(Payload{Candidate: &init})
		if err != nil {
			log.Error().Err(err).Str("module", "client.rtc").Msg("marshal candidate")
			return
		}
		fn(b)
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "client.rtc").Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (p *rtcPeer) emitState(st PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (p *rtcPeer) CreateOffer(iceRestart bool) (json.RawMessage, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(Payload{SDP: p.pc.LocalDescription(), Restart: iceRestart})
}

func (p *rtcPeer) HandleRemote(data json.RawMessage) (json.RawMessage, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	if payload.Candidate != nil {
		if err := p.pc.AddICECandidate(*payload.Candidate); err != nil {
			return nil, fmt.Errorf("add ice candidate: %w", err)
		}
		return nil, nil
	}

	if payload.SDP == nil {
		return nil, nil
	}
	if err := p.pc.SetRemoteDescription(*payload.SDP); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	if payload.SDP.Type != webrtc.SDPTypeOffer {
		return nil, nil
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(Payload{SDP: p.pc.LocalDescription()})
}

func (p *rtcPeer) OnICECandidate(fn func(json.RawMessage)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *rtcPeer) OnStateChange(fn func(PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *rtcPeer) OnRemoteTrack(fn func()) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *rtcPeer) Close() {
	if err := p.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "client.rtc").Msg("close peer connection")
	}
}
