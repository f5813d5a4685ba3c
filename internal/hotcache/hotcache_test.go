package hotcache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"commune/internal/credential"
	"commune/internal/encryption"
	"commune/internal/events"
	"commune/internal/storage/boltstore"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*credential.Store, *boltstore.Store, *events.Hub) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commune.db")
	backend, err := boltstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	box, err := encryption.New(make([]byte, encryption.KeySize))
	require.NoError(t, err)

	hub := events.NewHub()
	return credential.NewStore(backend, box, hub, 500), backend, hub
}

func TestGetAvailableSnapshotPopulatesOnFirstRead(t *testing.T) {
	store, backend, hub := newFixture(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "cache-fixture-material-one")
	require.NoError(t, err)
	_, err = store.Create(ctx, "cache-fixture-material-two")
	require.NoError(t, err)

	cache := New(store, backend, time.Minute, hub)
	snap, err := cache.GetAvailableSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	require.True(t, cache.Status().Cached)
}

func TestHotCacheEagerlyAddsCreatedCredential(t *testing.T) {
	store, backend, hub := newFixture(t)
	ctx := context.Background()
	cache := New(store, backend, time.Minute, hub)

	_, err := cache.GetAvailableSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, cache.Status().KeyCount)

	_, err = store.Create(ctx, "eagerly-added-material-0001")
	require.NoError(t, err)

	snap, err := cache.GetAvailableSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
}

func TestHotCacheEagerlyRemovesBlockedCredential(t *testing.T) {
	store, backend, hub := newFixture(t)
	ctx := context.Background()

	cred, err := store.Create(ctx, "soon-blocked-material-0001")
	require.NoError(t, err)

	cache := New(store, backend, time.Minute, hub)
	snap, err := cache.GetAvailableSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)

	deadline := time.Now().Add(time.Hour)
	require.NoError(t, store.SetBlockDeadline(ctx, cred.ID, &deadline))

	snap, err = cache.GetAvailableSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 0)
}

func TestHotCacheDoesNotEagerlyReAddOnUnblock(t *testing.T) {
	store, backend, hub := newFixture(t)
	ctx := context.Background()

	cred, err := store.Create(ctx, "lazy-unblock-material-0001")
	require.NoError(t, err)
	deadline := time.Now().Add(time.Hour)
	require.NoError(t, store.SetBlockDeadline(ctx, cred.ID, &deadline))

	cache := New(store, backend, time.Minute, hub)
	snap, err := cache.GetAvailableSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 0)

	require.NoError(t, store.ResetCounters(ctx, cred.ID))

	// Still absent: unblock propagation is deliberately lazy until the next
	// full refresh, not an eager write-through.
	snap, err = cache.GetAvailableSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 0)
}

func TestHotCacheMutatesCountersInPlace(t *testing.T) {
	store, backend, hub := newFixture(t)
	ctx := context.Background()

	cred, err := store.Create(ctx, "counter-mutate-material-0001")
	require.NoError(t, err)

	cache := New(store, backend, time.Minute, hub)
	_, err = cache.GetAvailableSnapshot(ctx)
	require.NoError(t, err)

	_, err = store.IncrementAuthFailures(ctx, cred.ID)
	require.NoError(t, err)

	snap, err := cache.GetAvailableSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.Equal(t, 1, snap[0].ConsecutiveAuthFailures)
}
