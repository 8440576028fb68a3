package repository

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enkore/borgcube/pkg/protocol"
	"github.com/enkore/borgcube/pkg/types"
)

func TestPoolSharesRepositoryAcrossHandles(t *testing.T) {
	repo := &types.Repository{ID: "repo1", URL: filepath.Join(t.TempDir(), "repo.db")}
	pool := NewPool()
	t.Cleanup(func() { pool.Close() })

	h1, err := pool.Open(repo)
	require.NoError(t, err)
	// A second handle must be available immediately; the file lock is
	// held once, by the pool.
	h2, err := pool.Open(repo)
	require.NoError(t, err)

	key := protocol.DeriveKey([]byte("k"))
	oneID := protocol.ComputeID(key, []byte("one"))
	require.NoError(t, h1.Put(oneID, []byte("one")))
	require.NoError(t, h1.Commit())

	got, err := h2.Get(oneID)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	// Staging is per handle: an uncommitted write of one session is
	// invisible to the other, and closing that session discards it
	// without closing the shared database.
	twoID := protocol.ComputeID(key, []byte("two"))
	require.NoError(t, h2.Put(twoID, []byte("two")))
	_, err = h1.Get(twoID)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, h2.Close())
	_, err = h1.Get(oneID)
	assert.NoError(t, err)
	_, err = h1.Get(twoID)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestPoolRejectsRemoteURLs(t *testing.T) {
	pool := NewPool()
	t.Cleanup(func() { pool.Close() })

	_, err := pool.Open(&types.Repository{ID: "r", URL: "ssh://backup@elsewhere/repo"})
	assert.Error(t, err)
}

func TestPoolOpenAfterClose(t *testing.T) {
	pool := NewPool()
	require.NoError(t, pool.Close())

	_, err := pool.Open(&types.Repository{ID: "repo1", URL: filepath.Join(t.TempDir(), "repo.db")})
	assert.ErrorIs(t, err, ErrPoolClosed)
}
