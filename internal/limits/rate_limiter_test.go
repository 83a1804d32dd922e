package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(limit, window, zerolog.Nop())
	t.Cleanup(rl.Stop)
	return rl
}

func TestAdmitWithinLimit(t *testing.T) {
	rl := newTestLimiter(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Admit("1.2.3.4"), "admission %d should succeed", i+1)
	}
}

func TestAdmitDeniesOverLimit(t *testing.T) {
	rl := newTestLimiter(t, 2, 5*time.Second)

	require.True(t, rl.Admit("1.2.3.4"))
	require.True(t, rl.Admit("1.2.3.4"))
	assert.False(t, rl.Admit("1.2.3.4"), "third admission within the window must be denied")

	// Denial does not increment: still denied, never above the limit.
	assert.False(t, rl.Admit("1.2.3.4"))
}

func TestAdmitKeysAreIndependent(t *testing.T) {
	rl := newTestLimiter(t, 1, time.Minute)

	require.True(t, rl.Admit("1.2.3.4"))
	require.False(t, rl.Admit("1.2.3.4"))
	assert.True(t, rl.Admit("5.6.7.8"), "a different key has its own window")
}

func TestAdmitResetsAfterWindow(t *testing.T) {
	rl := newTestLimiter(t, 2, 50*time.Millisecond)

	require.True(t, rl.Admit("1.2.3.4"))
	require.True(t, rl.Admit("1.2.3.4"))
	require.False(t, rl.Admit("1.2.3.4"))

	time.Sleep(60 * time.Millisecond)

	assert.True(t, rl.Admit("1.2.3.4"), "counter must reset once the window elapses")
}

func TestCleanupRemovesExpiredWindows(t *testing.T) {
	rl := newTestLimiter(t, 5, 10*time.Millisecond)

	rl.Admit("1.2.3.4")
	rl.Admit("5.6.7.8")
	require.Equal(t, 2, rl.Tracked())

	time.Sleep(20 * time.Millisecond)
	rl.cleanup()

	assert.Zero(t, rl.Tracked())

	// Sweeping must not weaken admission: a fresh window starts clean.
	assert.True(t, rl.Admit("1.2.3.4"))
}
