package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"commune/internal/storage"
	"commune/internal/storage/boltstore"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) *boltstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commune.db")
	backend, err := boltstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestRunOnceDeletesRowsOlderThanRetention(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	rec, err := backend.Create(ctx, "fp-janitor", "enc", "disp")
	require.NoError(t, err)

	oldDate := storage.CivilDate(time.Now().AddDate(0, 0, -90))
	require.NoError(t, backend.IncrementCallCount(ctx, rec.ID, oldDate, "203.0.113.0/24"))

	recentDate := storage.CivilDate(time.Now())
	require.NoError(t, backend.IncrementCallCount(ctx, rec.ID, recentDate, "203.0.113.0/24"))

	j := NewJanitor(backend, time.Hour, 30)
	j.RunOnce(ctx)

	rows, err := backend.GetAllStatsForDate(ctx, oldDate)
	require.NoError(t, err)
	require.Empty(t, rows)

	rows, err = backend.GetAllStatsForDate(ctx, recentDate)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestStartRunsOnceImmediatelyAndStopsOnCancel(t *testing.T) {
	backend := newBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	j := NewJanitor(backend, time.Millisecond, 30)

	rec, err := backend.Create(context.Background(), "fp-janitor-start", "enc", "disp")
	require.NoError(t, err)
	oldDate := storage.CivilDate(time.Now().AddDate(0, 0, -90))
	require.NoError(t, backend.IncrementCallCount(context.Background(), rec.ID, oldDate, "203.0.113.0/24"))

	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after context cancellation")
	}

	// Start ran one cleanup pass before it observed the cancellation.
	rows, err := backend.GetAllStatsForDate(context.Background(), oldDate)
	require.NoError(t, err)
	require.Empty(t, rows)
}
