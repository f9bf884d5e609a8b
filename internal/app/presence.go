package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// Broadcaster pushes the full presence snapshot to every live connection
// whenever the registry mutates.
//
// Publish is serialized by its own mutex so each connection observes
// snapshots in the order mutations were applied; the registry lock is
// never held across a push. A handle that fails to accept the push is
// unregistered and the shrunken snapshot is published again, so a dead
// client cannot linger in everyone else's presence list.
type Broadcaster struct {
	mu       sync.Mutex
	Registry *Registry
}

func NewBroadcaster(reg *Registry) *Broadcaster {
	return &Broadcaster{Registry: reg}
}

func (b *Broadcaster) Publish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		entries := b.Registry.Entries()
		users := make([]domain.UserID, 0, len(entries))
		for _, e := range entries {
			users = append(users, e.UID)
		}

		data, err := domain.PresenceUpdate(users).Encode()
		if err != nil {
			log.Error().Str("module", "app.presence").Err(err).Msg("encode snapshot")
			return
		}

		var dead []ConnSnap
		for _, e := range entries {
			if err := e.Conn.TrySend(core.Frame(data)); err != nil {
				dead = append(dead, e)
			}
		}
		if len(dead) == 0 {
			log.Debug().Str("module", "app.presence").Int("count", len(users)).Msg("published snapshot")
			return
		}

		// Evict dead handles and go around again with the smaller set.
		// Each pass removes at least one entry, so this terminates.
		for _, d := range dead {
			log.Warn().Str("module", "app.presence").Str("uid", string(d.UID)).Msg("push failed, evicting")
			b.Registry.UnregisterConn(d.UID, d.Conn)
			d.Conn.Close()
		}
	}
}
