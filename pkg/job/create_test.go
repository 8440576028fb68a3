package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/testutil"
	"github.com/enkore/borgcube/pkg/types"
)

func TestBackupReservesArchiveName(t *testing.T) {
	store := testutil.TempStore(t)
	ids := testutil.NewStubIDGenerator()
	creator := NewCreator(store, ids, testutil.FixedClock())

	repo := &types.Repository{ID: "repo1", URL: "/tmp/repo1"}
	client := &types.Client{Hostname: "host1"}

	j, err := creator.Backup(repo, client, "default")
	require.NoError(t, err)
	assert.Equal(t, "host1-job-1", j.ArchiveName)
	assert.Equal(t, types.JobStatePending, j.State)

	// A colliding reservation fails synchronously and creates no job.
	collider := &types.Job{
		ID:            "other",
		Kind:          types.JobKindBackup,
		RepositoryRef: "repo1",
		ArchiveName:   j.ArchiveName,
		State:         types.JobStatePending,
	}
	err = store.CreateJob(collider)
	assert.ErrorIs(t, err, storage.ErrNameReserved)
	_, err = store.GetJob("other")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSameNameAllowedInDifferentRepositories(t *testing.T) {
	store := testutil.TempStore(t)
	creator := NewCreator(store, testutil.NewStubIDGenerator(), testutil.FixedClock())
	client := &types.Client{Hostname: "host1"}

	// Stub ids differ, so force the same archive name manually.
	j1, err := creator.Backup(&types.Repository{ID: "repo1"}, client, "")
	require.NoError(t, err)

	j2 := &types.Job{
		ID:            "cross-repo",
		Kind:          types.JobKindBackup,
		RepositoryRef: "repo2",
		ArchiveName:   j1.ArchiveName,
		State:         types.JobStatePending,
	}
	assert.NoError(t, store.CreateJob(j2))
}

func TestReversePathDeterministicAndKeyed(t *testing.T) {
	p1 := ReversePath([]byte("secret-a"), "job-1")
	p2 := ReversePath([]byte("secret-a"), "job-1")
	p3 := ReversePath([]byte("secret-b"), "job-1")
	p4 := ReversePath([]byte("secret-a"), "job-2")

	assert.Equal(t, p1, p2)
	assert.NotEqual(t, p1, p3)
	assert.NotEqual(t, p1, p4)
	assert.Len(t, p1, 64)
}

func TestResolveReversePathOnlyRunningJobs(t *testing.T) {
	store := testutil.TempStore(t)
	secret := []byte("secret")

	running := &types.Job{ID: "r1", Kind: types.JobKindBackup, RepositoryRef: "repo1", State: types.JobStateRunning, ArchiveName: "host1-r1"}
	pending := &types.Job{ID: "p1", Kind: types.JobKindBackup, RepositoryRef: "repo1", State: types.JobStatePending, ArchiveName: "host1-p1"}
	require.NoError(t, store.CreateJob(running))
	require.NoError(t, store.CreateJob(pending))

	got, err := ResolveReversePath(store, secret, ReversePath(secret, "r1"))
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)

	_, err = ResolveReversePath(store, secret, ReversePath(secret, "p1"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = ResolveReversePath(store, secret, "bogus")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
