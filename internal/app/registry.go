package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

type connEntry struct {
	Conn  core.SignalConnection
	Since time.Time
}

// Registry is the authoritative map of user identity -> live connection.
// One connection per identity: a reconnect replaces the previous entry
// (the transport layer owns closing the old handle). The presence set is
// exactly the key set of this map.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.UserID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[domain.UserID]*connEntry),
	}
}

// Register binds uid to conn, replacing any previous connection.
// The replaced handle is returned so the caller can close it; the
// registry itself never touches transport resources.
func (r *Registry) Register(uid domain.UserID, conn core.SignalConnection) core.SignalConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var prev core.SignalConnection
	if e, ok := r.conns[uid]; ok {
		prev = e.Conn
	}
	r.conns[uid] = &connEntry{Conn: conn, Since: time.Now()}
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Bool("replaced", prev != nil).Msg("registered connection")
	return prev
}

// Unregister removes uid. No-op if absent.
func (r *Registry) Unregister(uid domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[uid]; !ok {
		return false
	}
	delete(r.conns, uid)
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Msg("unregistered connection")
	return true
}

// UnregisterConn removes uid only if it is still bound to conn.
// A read pump that dies after its connection was replaced by a reconnect
// must not evict the successor.
func (r *Registry) UnregisterConn(uid domain.UserID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[uid]
	if !ok || e.Conn != conn {
		return false
	}
	delete(r.conns, uid)
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Msg("unregistered connection")
	return true
}

// Lookup returns the live connection for uid, if any. Never blocks on I/O.
func (r *Registry) Lookup(uid domain.UserID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[uid]
	if !ok {
		return nil, false
	}
	return e.Conn, true
}

// Snapshot returns a copy of the presence set.
func (r *Registry) Snapshot() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.conns))
	for uid := range r.conns {
		out = append(out, uid)
	}
	return out
}

type ConnSnap struct {
	UID  domain.UserID
	Conn core.SignalConnection
}

// Entries returns a copy of the full identity->connection view for
// fan-out. Pushes happen on the copy, never under the registry lock.
func (r *Registry) Entries() []ConnSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnSnap, 0, len(r.conns))
	for uid, e := range r.conns {
		out = append(out, ConnSnap{UID: uid, Conn: e.Conn})
	}
	return out
}
