package repository

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enkore/borgcube/pkg/protocol"
)

func testBackends(t *testing.T) map[string]Backend {
	t.Helper()
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"bolt":   bolt,
	}
}

func TestStagedWritesInvisibleUntilCommit(t *testing.T) {
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			id := protocol.ComputeID(protocol.DeriveKey([]byte("k")), []byte("data"))
			require.NoError(t, b.Put(id, []byte("data")))

			// Visible to this session before commit.
			got, err := b.Get(id)
			require.NoError(t, err)
			assert.Equal(t, []byte("data"), got)

			require.NoError(t, b.Commit())
			got, err = b.Get(id)
			require.NoError(t, err)
			assert.Equal(t, []byte("data"), got)
		})
	}
}

func TestCloseDiscardsUncommittedWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo.db")

	b, err := OpenBolt(path)
	require.NoError(t, err)

	key := protocol.DeriveKey([]byte("k"))
	committedID := protocol.ComputeID(key, []byte("committed"))
	stagedID := protocol.ComputeID(key, []byte("staged"))

	require.NoError(t, b.Put(committedID, []byte("committed")))
	require.NoError(t, b.Commit())
	require.NoError(t, b.Put(stagedID, []byte("staged")))
	require.NoError(t, b.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Get(committedID)
	assert.NoError(t, err)
	_, err = reopened.Get(stagedID)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestDeleteStagedUntilCommit(t *testing.T) {
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			id := protocol.ComputeID(protocol.DeriveKey([]byte("k")), []byte("x"))
			require.NoError(t, b.Put(id, []byte("x")))
			require.NoError(t, b.Commit())

			require.NoError(t, b.Delete(id))
			_, err := b.Get(id)
			assert.ErrorIs(t, err, ErrObjectNotFound)

			require.NoError(t, b.Commit())
			_, err = b.Get(id)
			assert.ErrorIs(t, err, ErrObjectNotFound)
		})
	}
}

func TestManifestRoundTrip(t *testing.T) {
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			m, err := b.LoadManifest()
			require.NoError(t, err)
			assert.Empty(t, m.Archives)

			m.Archives["host1-a"] = protocol.ManifestEntry{Time: time.Now()}
			require.NoError(t, b.StoreManifest(m))
			require.NoError(t, b.Commit())

			got, err := b.LoadManifest()
			require.NoError(t, err)
			assert.Contains(t, got.Archives, "host1-a")
		})
	}
}
