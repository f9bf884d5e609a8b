package app

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// ErrNotReachable means the target has no live connection. The caller's
// state machine turns this into a failed-call outcome; the relay itself
// takes no further action.
var ErrNotReachable = errors.New("peer not reachable")

// Relay forwards signaling envelopes between two identities. It holds no
// call state: it resolves the target in the registry, stamps the sender
// and pushes the bytes. Delivery is at-most-once and best-effort; there
// is no buffering for offline recipients.
type Relay struct {
	Registry *Registry
}

func NewRelay(reg *Registry) *Relay {
	return &Relay{Registry: reg}
}

// Send forwards env from -> to. Payload bytes pass through unmodified.
// Returns ErrNotReachable if to has no live connection; a push failure
// after a successful lookup is dropped silently (the target disconnected
// between lookup and push, and calls are live anyway).
func (r *Relay) Send(from, to domain.UserID, env domain.Envelope) error {
	conn, ok := r.Registry.Lookup(to)
	if !ok {
		return ErrNotReachable
	}

	env.From = from
	env.To = ""
	data, err := env.Encode()
	if err != nil {
		return err
	}

	if err := conn.TrySend(core.Frame(data)); err != nil {
		log.Warn().Str("module", "app.relay").
			Str("from", string(from)).Str("to", string(to)).
			Str("type", string(env.Type)).Err(err).
			Msg("push failed, message dropped")
	}
	return nil
}
