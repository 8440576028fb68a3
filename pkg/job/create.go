package job

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/types"
)

// Creator builds and persists new jobs. Archive names follow the
// original convention <client-hostname>-<job-id>; the name
// reservation happens inside the store's create transaction.
type Creator struct {
	store storage.Store
	ids   types.IDGenerator
	clock types.Clock
}

// NewCreator returns a job creator over the given store.
func NewCreator(store storage.Store, ids types.IDGenerator, clock types.Clock) *Creator {
	if ids == nil {
		ids = types.UUIDGenerator{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Creator{store: store, ids: ids, clock: clock}
}

// Backup creates a backup job for client against repo. Fails with
// storage.ErrNameReserved if the archive name collides, in which case
// no job exists afterwards.
func (c *Creator) Backup(repo *types.Repository, client *types.Client, configRef string) (*types.Job, error) {
	id := c.ids.New()
	j := &types.Job{
		ID:            id,
		Kind:          types.JobKindBackup,
		RepositoryRef: repo.ID,
		ClientRef:     client.Hostname,
		ConfigRef:     configRef,
		State:         types.JobStatePending,
		ArchiveName:   client.Hostname + "-" + id,
		CreatedAt:     c.clock.Now(),
	}
	if err := c.store.CreateJob(j); err != nil {
		return nil, fmt.Errorf("create backup job: %w", err)
	}
	return j, nil
}

// Restore creates a restore job reading archives of client from repo.
func (c *Creator) Restore(repo *types.Repository, client *types.Client, configRef string) (*types.Job, error) {
	j := &types.Job{
		ID:            c.ids.New(),
		Kind:          types.JobKindRestore,
		RepositoryRef: repo.ID,
		ClientRef:     client.Hostname,
		ConfigRef:     configRef,
		State:         types.JobStatePending,
		CreatedAt:     c.clock.Now(),
	}
	if err := c.store.CreateJob(j); err != nil {
		return nil, fmt.Errorf("create restore job: %w", err)
	}
	return j, nil
}

// Check creates a check job. Repair checks are exclusive against all
// other jobs on the repository.
func (c *Creator) Check(repo *types.Repository, configRef string, repair bool) (*types.Job, error) {
	j := &types.Job{
		ID:            c.ids.New(),
		Kind:          types.JobKindCheck,
		RepositoryRef: repo.ID,
		ConfigRef:     configRef,
		Repair:        repair,
		State:         types.JobStatePending,
		CreatedAt:     c.clock.Now(),
	}
	if err := c.store.CreateJob(j); err != nil {
		return nil, fmt.Errorf("create check job: %w", err)
	}
	return j, nil
}

// Prune creates a prune job.
func (c *Creator) Prune(repo *types.Repository, configRef string) (*types.Job, error) {
	j := &types.Job{
		ID:            c.ids.New(),
		Kind:          types.JobKindPrune,
		RepositoryRef: repo.ID,
		ConfigRef:     configRef,
		State:         types.JobStatePending,
		CreatedAt:     c.clock.Now(),
	}
	if err := c.store.CreateJob(j); err != nil {
		return nil, fmt.Errorf("create prune job: %w", err)
	}
	return j, nil
}

// ReversePath derives the opaque path component under which a job's
// gateway session is reachable over the constrained remote shell. The
// client learns this value, not the raw job id.
func ReversePath(secret []byte, jobID string) string {
	var key [32]byte
	blake3.DeriveKey("borgcube reverse location v1", secret, key[:])
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("job: " + err.Error())
	}
	h.Write([]byte(jobID))
	var sum [32]byte
	h.Digest().Read(sum[:])
	return hex.EncodeToString(sum[:])
}

// ResolveReversePath maps a reverse path back to its running job. Any
// path that does not reference a running job is rejected, so a stale
// or guessed path cannot open a session.
func ResolveReversePath(store storage.Store, secret []byte, path string) (*types.Job, error) {
	running, err := store.ListJobsByState(types.JobStateRunning)
	if err != nil {
		return nil, err
	}
	for _, j := range running {
		if ReversePath(secret, j.ID) == path || j.ID == path {
			return j, nil
		}
	}
	return nil, fmt.Errorf("no running job for path %q: %w", path, storage.ErrNotFound)
}
