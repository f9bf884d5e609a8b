package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInviteRateLimiter(t *testing.T) {
	rl := NewInviteRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("alice"), "attempt %d", i)
	}
	assert.False(t, rl.Allow("alice"))

	// Per-caller: bob is unaffected by alice's burst.
	assert.True(t, rl.Allow("bob"))
}

func TestInviteRateLimiterWindowExpiry(t *testing.T) {
	rl := NewInviteRateLimiter(1, 20*time.Millisecond)

	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, rl.Allow("alice"))
}

func TestInviteRateLimiterForget(t *testing.T) {
	rl := NewInviteRateLimiter(1, time.Minute)

	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))

	rl.Forget("alice")
	assert.True(t, rl.Allow("alice"))
}
