package app

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// Orchestrator glues the transport adapter to the registry, relay and
// presence broadcaster. Constructed once in main and passed by handle;
// none of the parts is ambient global state.
type Orchestrator struct {
	Registry *Registry
	Relay    *Relay
	Presence *Broadcaster
}

func NewOrchestrator(reg *Registry) *Orchestrator {
	return &Orchestrator{
		Registry: reg,
		Relay:    NewRelay(reg),
		Presence: NewBroadcaster(reg),
	}
}

// OnConnect records the connection and announces the new presence set.
// A previous connection of the same identity is closed; single-connection
// semantics, the newcomer wins.
func (o *Orchestrator) OnConnect(uid domain.UserID, conn core.SignalConnection) {
	if prev := o.Registry.Register(uid, conn); prev != nil {
		prev.Close()
	}
	o.Presence.Publish()
}

// OnDisconnect removes the connection and re-announces presence. Guarded
// by handle so a stale read pump cannot evict a fresh reconnect. An
// in-progress call peer is not notified here: it learns of the loss from
// its own transport, never from the server.
func (o *Orchestrator) OnDisconnect(uid domain.UserID, conn core.SignalConnection) {
	if o.Registry.UnregisterConn(uid, conn) {
		o.Presence.Publish()
	}
}

// OnSignal relays a client envelope to its target. When the target has no
// live connection the sender gets not_reachable back on its own handle.
func (o *Orchestrator) OnSignal(from domain.UserID, env domain.Envelope) {
	if !env.Type.IsRelayable() {
		log.Warn().Str("module", "app.orchestrator").Str("type", string(env.Type)).Msg("refusing to relay")
		return
	}
	if env.To == "" {
		log.Warn().Str("module", "app.orchestrator").Str("from", string(from)).Msg("envelope without target")
		return
	}

	err := o.Relay.Send(from, env.To, env)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrNotReachable) {
		log.Error().Str("module", "app.orchestrator").Err(err).Msg("relay failed")
		return
	}

	conn, ok := o.Registry.Lookup(from)
	if !ok {
		return
	}
	data, err := domain.NotReachable(env.To).Encode()
	if err != nil {
		return
	}
	_ = conn.TrySend(core.Frame(data))
}
