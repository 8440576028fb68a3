package daemon

import (
	"fmt"

	"github.com/enkore/borgcube/pkg/job"
	"github.com/enkore/borgcube/pkg/types"
	"github.com/enkore/borgcube/pkg/worker"
)

// Prune and check jobs run inside the daemon process; there is no
// remote client side to them. They still go through the queue and
// conflict checker like every other job.

func (d *Daemon) runPrune(j *types.Job) {
	err := d.prune(j)
	if err != nil {
		d.machine.Fail(j.ID, "prune-failed", "daemon", err.Error())
	}
	d.doneCh <- worker.Result{JobID: j.ID, Err: err}
}

func (d *Daemon) prune(j *types.Job) error {
	policy, ok := d.cfg.Policies[j.ConfigRef]
	if !ok {
		return fmt.Errorf("no retention policy %q", j.ConfigRef)
	}
	repo, err := d.store.GetRepository(j.RepositoryRef)
	if err != nil {
		return err
	}
	backend, err := d.pool.Open(repo)
	if err != nil {
		return err
	}
	defer backend.Close()

	m, err := backend.LoadManifest()
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	archives, err := d.store.ListArchivesByRepository(j.RepositoryRef)
	if err != nil {
		return err
	}
	byClient := make(map[string][]*types.Archive)
	for _, a := range archives {
		byClient[a.ClientRef] = append(byClient[a.ClientRef], a)
	}

	removed := 0
	for _, clientArchives := range byClient {
		_, remove := job.ApplyRetention(policy, clientArchives)
		for _, a := range remove {
			entry, ok := m.Archives[a.Name]
			if ok {
				delete(m.Archives, a.Name)
				if err := backend.Delete(entry.ID); err != nil {
					return fmt.Errorf("delete archive object %s: %w", a.Name, err)
				}
			}
			if err := d.store.DeleteArchive(j.RepositoryRef, a.Name); err != nil {
				return fmt.Errorf("delete archive record %s: %w", a.Name, err)
			}
			removed++
		}
	}

	if err := backend.StoreManifest(m); err != nil {
		return err
	}
	if err := backend.Commit(); err != nil {
		return err
	}

	reason := fmt.Sprintf("pruned %d archives under policy %q", removed, policy.Name)
	_, err = d.machine.Transition(j.ID, types.JobStateRunning, types.JobStateDone, "daemon", reason)
	return err
}

func (d *Daemon) runCheck(j *types.Job) {
	err := d.check(j)
	if err != nil {
		d.machine.Fail(j.ID, "check-failed", "daemon", err.Error())
	}
	d.doneCh <- worker.Result{JobID: j.ID, Err: err}
}

// check verifies that every manifest entry's archive object exists.
// A repair check additionally drops entries whose object is gone; a
// plain check only reports them.
func (d *Daemon) check(j *types.Job) error {
	repo, err := d.store.GetRepository(j.RepositoryRef)
	if err != nil {
		return err
	}
	backend, err := d.pool.Open(repo)
	if err != nil {
		return err
	}
	defer backend.Close()

	m, err := backend.LoadManifest()
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	var missing []string
	for name, entry := range m.Archives {
		if _, err := backend.Get(entry.ID); err != nil {
			missing = append(missing, name)
		}
	}

	if len(missing) == 0 {
		_, err = d.machine.Transition(j.ID, types.JobStateRunning, types.JobStateDone, "daemon",
			fmt.Sprintf("checked %d archives, no defects", len(m.Archives)))
		return err
	}

	if !j.Repair {
		return fmt.Errorf("%d archives with missing objects: %v", len(missing), missing)
	}

	for _, name := range missing {
		delete(m.Archives, name)
		if err := d.store.DeleteArchive(j.RepositoryRef, name); err != nil {
			return fmt.Errorf("drop archive record %s: %w", name, err)
		}
	}
	if err := backend.StoreManifest(m); err != nil {
		return err
	}
	if err := backend.Commit(); err != nil {
		return err
	}
	_, err = d.machine.Transition(j.ID, types.JobStateRunning, types.JobStateDone, "daemon",
		fmt.Sprintf("repaired manifest, dropped %d archives with missing objects", len(missing)))
	return err
}
