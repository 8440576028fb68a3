package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/enkore/borgcube/pkg/protocol"
	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/types"
)

// View computes the filtered manifest a client is allowed to see and
// validates the manifest it tries to store back. A client only ever
// sees archives attributed to it plus whatever the current job has
// added in this session.
type View struct {
	store storage.Store
	job   *types.Job

	// added tracks archive entries the current session stored, keyed
	// by archive name. They are visible on subsequent fetches even
	// before the job finishes.
	added map[string]protocol.ManifestEntry

	// checkpoints are checkpoint archive names the job committed in
	// an earlier session, snapshotted at view construction. They are
	// not archive records, but the job still owns them and must see
	// them to finalize after a reconnect.
	checkpoints map[string]bool
}

// NewView builds a view scoped to job.
func NewView(store storage.Store, job *types.Job) *View {
	checkpoints := make(map[string]bool, len(job.CheckpointArchives))
	for name := range job.CheckpointArchives {
		checkpoints[name] = true
	}
	return &View{
		store:       store,
		job:         job,
		added:       make(map[string]protocol.ManifestEntry),
		checkpoints: checkpoints,
	}
}

// Filter reduces the repository's real manifest to the entries the
// session's client owns. Ownership is decided by the coordinator's
// archive records, never by the manifest contents themselves.
func (v *View) Filter(real *protocol.Manifest) (*protocol.Manifest, error) {
	owned, err := v.ownedNames()
	if err != nil {
		return nil, err
	}
	out := protocol.NewManifest()
	for name, entry := range real.Archives {
		if owned[name] {
			out.Archives[name] = entry
		}
	}
	for name := range v.checkpoints {
		if entry, ok := real.Archives[name]; ok {
			out.Archives[name] = entry
		}
	}
	for name, entry := range v.added {
		out.Archives[name] = entry
	}
	return out, nil
}

// Delta holds the difference between the manifest a client stored and
// the view it was given.
type Delta struct {
	Added   map[string]protocol.ManifestEntry
	Removed []string
}

// Diff computes what the client changed relative to its view of the
// real manifest. An entry rewritten under an existing name counts as
// an add, so it is neither lost nor exempt from validation. The
// caller decides which parts of the delta are legal for the job at
// hand.
func (v *View) Diff(real, stored *protocol.Manifest) (*Delta, error) {
	view, err := v.Filter(real)
	if err != nil {
		return nil, err
	}
	d := &Delta{Added: make(map[string]protocol.ManifestEntry)}
	for name, entry := range stored.Archives {
		prev, ok := view.Archives[name]
		if !ok || !prev.ID.Equal(entry.ID) || !prev.Time.Equal(entry.Time) {
			d.Added[name] = entry
		}
	}
	for name := range view.Archives {
		if _, ok := stored.Archives[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	return d, nil
}

// Merge applies an approved delta onto the real manifest, producing
// the blob that actually gets written to the repository. Entries the
// client never saw stay untouched.
func (v *View) Merge(real *protocol.Manifest, delta *Delta) *protocol.Manifest {
	out := real.Clone()
	for name, entry := range delta.Added {
		out.Archives[name] = entry
		v.added[name] = entry
	}
	for _, name := range delta.Removed {
		delete(out.Archives, name)
		delete(v.added, name)
	}
	return out
}

func (v *View) ownedNames() (map[string]bool, error) {
	archives, err := v.store.ListArchivesByClient(v.job.RepositoryRef, v.job.ClientRef)
	if err != nil {
		return nil, fmt.Errorf("list client archives: %w", err)
	}
	owned := make(map[string]bool, len(archives))
	for _, a := range archives {
		owned[a.Name] = true
	}
	return owned, nil
}

// CheckpointPattern matches borg checkpoint archives derived from a
// base archive name: "<base>.checkpoint" optionally followed by a
// sequence number.
func CheckpointPattern(base string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(base) + `\.checkpoint(\d+)?$`)
}

// IsOwnArchiveName reports whether name is the job's archive name or
// one of its checkpoint names.
func IsOwnArchiveName(job *types.Job, name string) bool {
	if job.ArchiveName == "" {
		return false
	}
	if name == job.ArchiveName {
		return true
	}
	if !strings.HasPrefix(name, job.ArchiveName+".checkpoint") {
		return false
	}
	return CheckpointPattern(job.ArchiveName).MatchString(name)
}
