package credential

import (
	"path/filepath"
	"testing"

	"commune/internal/encryption"
	"commune/internal/events"
	"commune/internal/storage/boltstore"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxKeys int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commune.db")
	backend, err := boltstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	box, err := encryption.New(make([]byte, encryption.KeySize))
	require.NoError(t, err)

	return NewStore(backend, box, events.NewHub(), maxKeys)
}
