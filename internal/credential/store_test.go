package credential

import (
	"context"
	"testing"

	"commune/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestStoreCreateAndFind(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	cred, err := store.Create(ctx, "raw-credential-material-001")
	require.NoError(t, err)
	require.Equal(t, Fingerprint("raw-credential-material-001"), cred.Fingerprint)
	require.Equal(t, Display("raw-credential-material-001"), cred.Display)

	found, err := store.FindByFingerprint(ctx, cred.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, cred.Material, found.Material)
}

func TestCreateDuplicateFingerprint(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	_, err := store.Create(ctx, "same-material-0123456789")
	require.NoError(t, err)
	_, err = store.Create(ctx, "same-material-0123456789")
	require.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestCreateIfUnderCapRespectsCap(t *testing.T) {
	store := newTestStore(t, 1)
	ctx := context.Background()

	_, ok, err := store.CreateIfUnderCap(ctx, "first-credential-material")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.CreateIfUnderCap(ctx, "second-credential-material")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDeleteRemovesFromAvailable(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	cred, err := store.Create(ctx, "delete-me-credential-0001")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, cred.ID))

	_, err = store.FindByID(ctx, cred.ID)
	require.Error(t, err)
}
