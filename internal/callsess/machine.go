// Package callsess drives one call attempt on a client, from invite to
// termination. Call state is deliberately duplicated across the two
// participants (there is no shared session object anywhere); each side's
// machine defends itself against messages from a stale or mismatched
// call instead.
package callsess

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateInviting
	StateRinging
	StateNegotiating
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInviting:
		return "inviting"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

var (
	ErrBusy       = errors.New("call already in progress")
	ErrNotRinging = errors.New("no incoming call to answer")
)

// Sender pushes an envelope towards the relay. The websocket client
// implements it; tests use a recorder.
type Sender interface {
	Send(env domain.Envelope) error
}

type Config struct {
	Self   domain.UserID
	Sender Sender
	Media  Factory
	// RingTimeout bounds Inviting and Ringing; zero disables the timer
	// and reproduces the source behavior of ringing forever.
	RingTimeout time.Duration
	// OnTransition observes state changes (UI hook). Called without the
	// machine lock held.
	OnTransition func(s State, reason string)
}

// Machine is the per-device call state machine:
//
//	Idle -> Inviting -> Negotiating -> Active -> Ended
//	Idle -> Ringing  -> Negotiating -> Active -> Ended
//
// Ended is reachable from every non-idle state and immediately re-arms to
// Idle so the device can place the next call. A single mutex covers all
// transitions; the only suspension points (media acquisition, waiting for
// the connected notification) happen outside it.
type Machine struct {
	cfg Config

	mu        sync.Mutex
	state     State
	peer      domain.UserID
	call      domain.CallID
	media     Session
	ringTimer *time.Timer
}

func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg, state: StateIdle}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Peer() domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// StartCall places an outgoing call: acquire media, then invite. While
// the machine is anywhere but Idle the attempt is refused, so a double
// click cannot acquire a second capture or spawn a parallel session.
func (m *Machine) StartCall(ctx context.Context, callee domain.UserID) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	call := domain.CallID(uuid.NewString())
	m.peer = callee
	m.call = call
	m.state = StateInviting
	m.mu.Unlock()
	m.notify(StateInviting, "")

	media, err := m.openMedia(ctx, call)
	if err != nil {
		// Media failure ends the attempt only; back to Idle, no retry.
		m.reset(call)
		return fmt.Errorf("acquire media: %w", err)
	}

	m.mu.Lock()
	if m.call != call || m.state != StateInviting {
		m.mu.Unlock()
		media.Close()
		return nil
	}
	m.media = media
	m.armRingTimerLocked(call)
	m.mu.Unlock()

	if err := m.cfg.Sender.Send(domain.Envelope{Type: domain.MsgInvite, To: callee, Call: call}); err != nil {
		m.terminate(call, false, "invite send failed")
		return fmt.Errorf("send invite: %w", err)
	}
	log.Info().Str("module", "callsess").Str("peer", string(callee)).Str("call", string(call)).Msg("invited")
	return nil
}

// Accept answers the ringing call: acquire media, confirm to the peer,
// start negotiating.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRinging {
		m.mu.Unlock()
		return ErrNotRinging
	}
	call := m.call
	peer := m.peer
	m.mu.Unlock()

	media, err := m.openMedia(ctx, call)
	if err != nil {
		// Can't take the call without a capture device; tell the caller
		// and re-arm for the next attempt.
		m.terminate(call, true, "media unavailable")
		return fmt.Errorf("acquire media: %w", err)
	}

	m.mu.Lock()
	if m.call != call || m.state != StateRinging {
		m.mu.Unlock()
		media.Close()
		return nil
	}
	m.media = media
	m.state = StateNegotiating
	m.stopRingTimerLocked()
	m.mu.Unlock()
	m.notify(StateNegotiating, "")

	if err := m.cfg.Sender.Send(domain.Envelope{Type: domain.MsgAccept, To: peer, Call: call}); err != nil {
		m.terminate(call, false, "accept send failed")
		return fmt.Errorf("send accept: %w", err)
	}
	log.Info().Str("module", "callsess").Str("peer", string(peer)).Str("call", string(call)).Msg("accepted")
	return nil
}

// Reject declines the ringing call. No media was acquired yet.
func (m *Machine) Reject() error {
	m.mu.Lock()
	if m.state != StateRinging {
		m.mu.Unlock()
		return ErrNotRinging
	}
	call := m.call
	m.mu.Unlock()
	m.terminate(call, true, "rejected")
	return nil
}

// EndCall hangs up from any state. Safe to call when idle.
func (m *Machine) EndCall() {
	m.mu.Lock()
	call := m.call
	idle := m.state == StateIdle
	m.mu.Unlock()
	if idle {
		return
	}
	m.terminate(call, true, "local end")
}

// OnTransportClosed forces the machine down when the signaling channel
// drops. The peer is not notified; it learns from its own transport.
func (m *Machine) OnTransportClosed() {
	m.mu.Lock()
	call := m.call
	idle := m.state == StateIdle
	m.mu.Unlock()
	if idle {
		return
	}
	m.terminate(call, false, "transport closed")
}

// HandleEnvelope feeds a relayed message into the machine. Anything
// referencing a peer or call the machine does not currently expect is
// dropped; leftovers from an ended call must not disturb the next one.
func (m *Machine) HandleEnvelope(ctx context.Context, env domain.Envelope) {
	switch env.Type {
	case domain.MsgInvite:
		m.handleInvite(env)
	case domain.MsgAccept:
		m.handleAccept(ctx, env)
	case domain.MsgNegotiation:
		m.handleNegotiation(ctx, env)
	case domain.MsgEnd:
		m.handleEnd(env)
	case domain.MsgNotReachable:
		m.handleNotReachable(env)
	default:
		// presence etc. are not the machine's concern
	}
}

func (m *Machine) handleInvite(env domain.Envelope) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		log.Debug().Str("module", "callsess").Str("from", string(env.From)).Msg("invite ignored, busy")
		return
	}
	m.peer = env.From
	m.call = env.Call
	m.state = StateRinging
	m.armRingTimerLocked(env.Call)
	m.mu.Unlock()
	m.notify(StateRinging, "")
	log.Info().Str("module", "callsess").Str("from", string(env.From)).Str("call", string(env.Call)).Msg("ringing")
}

func (m *Machine) handleAccept(ctx context.Context, env domain.Envelope) {
	m.mu.Lock()
	if m.state != StateInviting || env.From != m.peer || env.Call != m.call || m.media == nil {
		m.mu.Unlock()
		m.logStale(env)
		return
	}
	call := m.call
	media := m.media
	m.state = StateNegotiating
	m.stopRingTimerLocked()
	m.mu.Unlock()
	m.notify(StateNegotiating, "")

	if len(env.Payload) > 0 {
		if err := media.HandleRemote(ctx, env.Payload); err != nil {
			log.Warn().Str("module", "callsess").Err(err).Msg("accept payload")
		}
	}
	// Caller drives the initial description once the callee is in.
	if err := media.Negotiate(ctx); err != nil {
		m.terminate(call, true, "negotiation failed")
	}
}

func (m *Machine) handleNegotiation(ctx context.Context, env domain.Envelope) {
	m.mu.Lock()
	ok := (m.state == StateNegotiating || m.state == StateActive) &&
		env.From == m.peer && env.Call == m.call && m.media != nil
	media := m.media
	m.mu.Unlock()
	if !ok {
		m.logStale(env)
		return
	}
	if err := media.HandleRemote(ctx, env.Payload); err != nil {
		log.Warn().Str("module", "callsess").Err(err).Msg("remote payload")
	}
}

func (m *Machine) handleEnd(env domain.Envelope) {
	m.mu.Lock()
	ok := m.state != StateIdle && m.state != StateEnded &&
		env.From == m.peer && env.Call == m.call
	call := m.call
	m.mu.Unlock()
	if !ok {
		m.logStale(env)
		return
	}
	m.terminate(call, false, "remote end")
}

func (m *Machine) handleNotReachable(env domain.Envelope) {
	m.mu.Lock()
	ok := m.state == StateInviting && env.To == m.peer
	call := m.call
	m.mu.Unlock()
	if !ok {
		return
	}
	m.terminate(call, false, "callee unreachable")
}

// openMedia builds and starts a session whose callbacks are pinned to
// this call id, so a zombie session can never steer a later call.
func (m *Machine) openMedia(ctx context.Context, call domain.CallID) (Session, error) {
	sess, err := m.cfg.Media(Events{
		OnLocalPayload: func(p []byte) { m.onLocalPayload(call, p) },
		OnConnected:    func() { m.onMediaConnected(call) },
		OnClosed:       func() { m.onMediaClosed(call) },
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

func (m *Machine) onLocalPayload(call domain.CallID, payload []byte) {
	m.mu.Lock()
	ok := m.call == call && (m.state == StateNegotiating || m.state == StateActive)
	peer := m.peer
	m.mu.Unlock()
	if !ok {
		return
	}
	err := m.cfg.Sender.Send(domain.Envelope{
		Type:    domain.MsgNegotiation,
		To:      peer,
		Call:    call,
		Payload: payload,
	})
	if err != nil {
		log.Warn().Str("module", "callsess").Err(err).Msg("send negotiation")
	}
}

func (m *Machine) onMediaConnected(call domain.CallID) {
	m.mu.Lock()
	if m.call != call || m.state != StateNegotiating {
		m.mu.Unlock()
		return
	}
	m.state = StateActive
	m.mu.Unlock()
	m.notify(StateActive, "")
	log.Info().Str("module", "callsess").Str("call", string(call)).Msg("media connected")
}

func (m *Machine) onMediaClosed(call domain.CallID) {
	m.mu.Lock()
	ok := m.call == call && m.state != StateIdle && m.state != StateEnded
	m.mu.Unlock()
	if !ok {
		return
	}
	m.terminate(call, true, "media transport failed")
}

func (m *Machine) armRingTimerLocked(call domain.CallID) {
	if m.cfg.RingTimeout <= 0 {
		return
	}
	m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() { m.onRingTimeout(call) })
}

func (m *Machine) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Machine) onRingTimeout(call domain.CallID) {
	m.mu.Lock()
	ok := m.call == call && (m.state == StateInviting || m.state == StateRinging)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.terminate(call, true, "ring timeout")
}

// terminate tears the current call down: capture released first, then the
// peer told (when we initiated the end), then Ended observed, then the
// machine re-arms to Idle. Idempotent per call.
func (m *Machine) terminate(call domain.CallID, sendEnd bool, reason string) {
	m.mu.Lock()
	if m.call != call || m.state == StateIdle || m.state == StateEnded {
		m.mu.Unlock()
		return
	}
	media := m.media
	m.media = nil
	peer := m.peer
	m.stopRingTimerLocked()
	m.state = StateEnded
	m.mu.Unlock()

	// Release capture before Ended is observable; Close is idempotent
	// and must not be deferred past this transition.
	if media != nil {
		media.Close()
	}

	if sendEnd && peer != "" {
		if err := m.cfg.Sender.Send(domain.Envelope{Type: domain.MsgEnd, To: peer, Call: call}); err != nil {
			log.Warn().Str("module", "callsess").Err(err).Msg("send end")
		}
	}

	m.notify(StateEnded, reason)
	log.Info().Str("module", "callsess").Str("call", string(call)).Str("reason", reason).Msg("call ended")

	m.reset(call)
}

// reset re-arms an ended (or never-started) attempt back to Idle.
func (m *Machine) reset(call domain.CallID) {
	m.mu.Lock()
	if m.call != call {
		m.mu.Unlock()
		return
	}
	m.peer = ""
	m.call = ""
	m.state = StateIdle
	m.mu.Unlock()
	m.notify(StateIdle, "")
}

func (m *Machine) notify(s State, reason string) {
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(s, reason)
	}
}

func (m *Machine) logStale(env domain.Envelope) {
	log.Debug().Str("module", "callsess").
		Str("type", string(env.Type)).Str("from", string(env.From)).Str("call", string(env.Call)).
		Msg("stale signal ignored")
}
