package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterDeniesWithinInterval(t *testing.T) {
	rl := NewRateLimiter(time.Second, 10)

	allow, wait := rl.Check("fp-1")
	require.True(t, allow)
	require.Zero(t, wait)

	allow, wait = rl.Check("fp-1")
	require.False(t, allow)
	require.GreaterOrEqual(t, wait, 1)
}

func TestRateLimiterEvictsOldestAtCapacity(t *testing.T) {
	rl := NewRateLimiter(time.Hour, 2)

	allow, _ := rl.Check("fp-1")
	require.True(t, allow)
	allow, _ = rl.Check("fp-2")
	require.True(t, allow)

	// fp-1 and fp-2 are still inside the interval and TTL, so nothing
	// expires; a third, fresh fingerprint still fits because capacity
	// eviction discards the oldest entry (fp-1).
	allow, _ = rl.Check("fp-3")
	require.True(t, allow)
	require.LessOrEqual(t, rl.Len(), 2)

	// fp-1 was evicted, so it has no admission on record any more.
	allow, _ = rl.Check("fp-1")
	require.True(t, allow)
}
