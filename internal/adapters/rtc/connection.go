// Package rtc implements callsess.Session on a pion PeerConnection.
// Negotiation blobs are JSON with a kind discriminator (offer, answer,
// candidate); everything above this package treats them as opaque bytes.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/callsess"
)

type payload struct {
	Kind          string  `json:"kind"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// MediaSession owns the PeerConnection for one call attempt. It is the
// live capture handle of the machine: Close on every exit path.
type MediaSession struct {
	pc     *webrtc.PeerConnection
	events callsess.Events

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	remote  bool

	closeOnce sync.Once
}

// NewFactory adapts this package to the machine's constructor shape.
func NewFactory(cfg webrtc.Configuration) callsess.Factory {
	return func(ev callsess.Events) (callsess.Session, error) {
		return NewMediaSession(cfg, ev)
	}
}

func NewMediaSession(cfg webrtc.Configuration, ev callsess.Events) (*MediaSession, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &MediaSession{pc: pc, events: ev}, nil
}

// Start reserves the audio and video lines and registers transport
// callbacks. Attaching a real capture track to the sender is the
// application's concern.
func (s *MediaSession) Start(ctx context.Context) error {
	if _, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}
	if _, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("add video transceiver: %w", err)
	}

	s.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		s.emitCandidate(cand.ToJSON())
	})

	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", st.String()).Msg("peer state")
		switch st {
		case webrtc.PeerConnectionStateConnected:
			if s.events.OnConnected != nil {
				s.events.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if s.events.OnClosed != nil {
				s.events.OnClosed()
			}
		}
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
	})

	return nil
}

// Negotiate creates the local offer and emits it. Candidates trickle out
// separately via OnICECandidate.
func (s *MediaSession) Negotiate(ctx context.Context) error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	s.emit(payload{Kind: "offer", SDP: offer.SDP})
	return nil
}

func (s *MediaSession) HandleRemote(ctx context.Context, data []byte) error {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse negotiation payload: %w", err)
	}

	switch p.Kind {
	case "offer":
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  p.SDP,
		}); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		s.drainPending()
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := s.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		s.emit(payload{Kind: "answer", SDP: answer.SDP})
		return nil

	case "answer":
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  p.SDP,
		}); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		s.drainPending()
		return nil

	case "candidate":
		ci := webrtc.ICECandidateInit{
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		}
		s.mu.Lock()
		if !s.remote {
			// Candidates may outrun the description; park them.
			s.pending = append(s.pending, ci)
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		if err := s.pc.AddICECandidate(ci); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
		return nil
	}

	return fmt.Errorf("unknown payload kind %q", p.Kind)
}

func (s *MediaSession) Close() {
	s.closeOnce.Do(func() {
		if err := s.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Msg("closed")
		}
	})
}

func (s *MediaSession) drainPending() {
	s.mu.Lock()
	s.remote = true
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, ci := range queued {
		if err := s.pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("queued candidate")
		}
	}
}

func (s *MediaSession) emitCandidate(ci webrtc.ICECandidateInit) {
	s.emit(payload{
		Kind:          "candidate",
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	})
}

func (s *MediaSession) emit(p payload) {
	data, err := json.Marshal(p)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("marshal payload")
		return
	}
	if s.events.OnLocalPayload != nil {
		s.events.OnLocalPayload(data)
	}
}
