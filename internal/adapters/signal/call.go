package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
)

// handleInvite is the only relayed type with extra policy on top: a
// per-caller rate cap, so a misbehaving client cannot ring a peer in a
// tight loop.
func (ctl *WSController) handleInvite(uid domain.UserID, c *WsSignalConn, env domain.Envelope) {
	if ctl.Invites != nil && !ctl.Invites.Allow(uid) {
		log.Warn().Str("module", "signal").Str("uid", string(uid)).Msg("invite rate limited")
		ctl.sendError(c, "too_many_invites")
		return
	}
	log.Info().Str("module", "signal").
		Str("from", string(uid)).Str("to", string(env.To)).Str("call", string(env.Call)).
		Msg("invite")
	ctl.Orch.OnSignal(uid, env)
}

// handleCallSignal relays accept/negotiation/end verbatim. The payload is
// opaque here: offer, answer or candidate, the server does not care.
func (ctl *WSController) handleCallSignal(uid domain.UserID, env domain.Envelope) {
	log.Debug().Str("module", "signal").
		Str("from", string(uid)).Str("to", string(env.To)).
		Str("type", string(env.Type)).
		Msg("relaying call signal")
	ctl.Orch.OnSignal(uid, env)
}
