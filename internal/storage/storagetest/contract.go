// Package storagetest holds a backend-agnostic contract test shared by
// every storage.Backend implementation, so boltstore, postgres and
// redisstore all exercise the same invariants from §4.1/§4.2 instead of
// duplicating near-identical test bodies per backend.
package storagetest

import (
	"context"
	"testing"
	"time"

	"commune/internal/storage"
	"github.com/stretchr/testify/require"
)

// RunBackendContract exercises create/find/mutate/delete and the daily
// statistics operations against any storage.Backend.
func RunBackendContract(t *testing.T, backend storage.Backend) {
	t.Helper()
	ctx := context.Background()

	rec, err := backend.Create(ctx, "fp-1", "enc-1", "abcd..wxyz")
	require.NoError(t, err)
	require.NotZero(t, rec.ID)

	_, err = backend.Create(ctx, "fp-1", "enc-1", "abcd..wxyz")
	require.ErrorIs(t, err, storage.ErrDuplicate)

	found, err := backend.FindByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, rec.ID, found.ID)

	avail, err := backend.FindAllAvailable(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, avail, 1)

	future := time.Now().Add(time.Hour)
	require.NoError(t, backend.SetBlockDeadline(ctx, rec.ID, &future))
	avail, err = backend.FindAllAvailable(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, avail)

	n, err := backend.IncrementAuthFailures(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, backend.ResetCounters(ctx, rec.ID, time.Now()))
	reloaded, err := backend.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 0, reloaded.ConsecutiveAuthFailures)
	require.Nil(t, reloaded.BlockDeadline)

	today := storage.CivilDate(time.Now())
	require.NoError(t, backend.IncrementCallCount(ctx, rec.ID, today, "10.0.0.0/24"))
	require.NoError(t, backend.IncrementCallCount(ctx, rec.ID, today, "10.0.0.0/24"))
	stats, err := backend.GetStatsToday(ctx, rec.ID, today)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.CallCount)

	require.NoError(t, backend.IncrementThrottleCount(ctx, rec.ID, today))
	stats, err = backend.GetStats(ctx, rec.ID, today)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.ThrottleCount)

	require.NoError(t, backend.Delete(ctx, rec.ID))
	_, err = backend.FindByID(ctx, rec.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = backend.GetStatsToday(ctx, rec.ID, today)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
