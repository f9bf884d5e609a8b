package app

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// fakeConn records pushed frames; shared by the package's tests.
type fakeConn struct {
	mu      sync.Mutex
	frames  []core.Frame
	failing bool
	closed  bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return fmt.Errorf("push failed")
	}
	buf := make(core.Frame, len(f))
	copy(buf, f)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) envelopes(t *testing.T) []domain.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env domain.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) lastEnvelope(t *testing.T) domain.Envelope {
	t.Helper()
	envs := c.envelopes(t)
	require.NotEmpty(t, envs)
	return envs[len(envs)-1]
}

func snapshotSet(r *Registry) map[domain.UserID]bool {
	set := make(map[domain.UserID]bool)
	for _, uid := range r.Snapshot() {
		set[uid] = true
	}
	return set
}

func TestRegistrySnapshotMatchesRegistrations(t *testing.T) {
	reg := NewRegistry()

	reg.Register("alice", &fakeConn{})
	reg.Register("bob", &fakeConn{})
	assert.Equal(t, map[domain.UserID]bool{"alice": true, "bob": true}, snapshotSet(reg))

	reg.Unregister("alice")
	assert.Equal(t, map[domain.UserID]bool{"bob": true}, snapshotSet(reg))

	// Idempotent: unregistering an absent identity is a no-op.
	assert.False(t, reg.Unregister("alice"))
	assert.Equal(t, map[domain.UserID]bool{"bob": true}, snapshotSet(reg))
}

func TestRegistryReplaceOnReconnect(t *testing.T) {
	reg := NewRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	require.Nil(t, reg.Register("alice", first))
	prev := reg.Register("alice", second)
	assert.Same(t, first, prev.(*fakeConn))

	conn, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, conn.(*fakeConn))
	assert.Len(t, reg.Snapshot(), 1)
}

func TestRegistryUnregisterConnGuardsReplacement(t *testing.T) {
	reg := NewRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	reg.Register("alice", first)
	reg.Register("alice", second)

	// A late disconnect of the replaced connection must not evict the
	// fresh one.
	assert.False(t, reg.UnregisterConn("alice", first))
	_, ok := reg.Lookup("alice")
	assert.True(t, ok)

	assert.True(t, reg.UnregisterConn("alice", second))
	_, ok = reg.Lookup("alice")
	assert.False(t, ok)
}

func TestRegistryLookupAbsent(t *testing.T) {
	reg := NewRegistry()
	conn, ok := reg.Lookup("ghost")
	assert.False(t, ok)
	assert.Nil(t, conn)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			uid := domain.UserID(fmt.Sprintf("user-%d", n))
			for j := 0; j < 100; j++ {
				reg.Register(uid, &fakeConn{})
				reg.Lookup(uid)
				reg.Snapshot()
				reg.Entries()
				reg.Unregister(uid)
			}
			reg.Register(uid, &fakeConn{})
		}(i)
	}
	wg.Wait()

	assert.Len(t, reg.Snapshot(), 16)
}
