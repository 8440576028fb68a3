package registry

import (
	"sync"

	"github.com/enkore/borgcube/pkg/types"
)

// JobStateEvent is the fixed parameter struct passed to job state
// hooks. Implementations pick the fields they need and ignore the
// rest.
type JobStateEvent struct {
	Job    *types.Job
	From   types.JobState
	To     types.JobState
	Actor  string
	Reason string
}

// JobExitEvent is passed to job-exit hooks after a worker finished.
type JobExitEvent struct {
	Job      *types.Job
	ExitCode int
	Signal   string
}

// IdleEvent is passed to idle hooks on every daemon tick.
type IdleEvent struct {
	QueueDepth int
	Running    int
}

// JobPreStateUpdateHook runs before a state transition commits. A
// non-nil error vetoes the transition.
type JobPreStateUpdateHook func(JobStateEvent) error

// JobPostStateUpdateHook runs after a state transition committed.
type JobPostStateUpdateHook func(JobStateEvent)

// JobExitHook runs after a worker process exited.
type JobExitHook func(JobExitEvent)

// IdleHook runs on every daemon idle tick.
type IdleHook func(IdleEvent)

// Registry is a static table of extension points. It is populated
// once at process start; no discovery happens at runtime. Hooks run
// in registration order.
type Registry struct {
	mu sync.RWMutex

	jobPreStateUpdate  []JobPreStateUpdateHook
	jobPostStateUpdate []JobPostStateUpdateHook
	jobExit            []JobExitHook
	idle               []IdleHook
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) RegisterJobPreStateUpdate(h JobPreStateUpdateHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobPreStateUpdate = append(r.jobPreStateUpdate, h)
}

func (r *Registry) RegisterJobPostStateUpdate(h JobPostStateUpdateHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobPostStateUpdate = append(r.jobPostStateUpdate, h)
}

func (r *Registry) RegisterJobExit(h JobExitHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobExit = append(r.jobExit, h)
}

func (r *Registry) RegisterIdle(h IdleHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idle = append(r.idle, h)
}

// JobPreStateUpdate runs all pre-transition hooks in order, stopping
// at the first veto.
func (r *Registry) JobPreStateUpdate(ev JobStateEvent) error {
	r.mu.RLock()
	hooks := r.jobPreStateUpdate
	r.mu.RUnlock()
	for _, h := range hooks {
		if err := h(ev); err != nil {
			return err
		}
	}
	return nil
}

// JobPostStateUpdate runs all post-transition hooks in order.
func (r *Registry) JobPostStateUpdate(ev JobStateEvent) {
	r.mu.RLock()
	hooks := r.jobPostStateUpdate
	r.mu.RUnlock()
	for _, h := range hooks {
		h(ev)
	}
}

// JobExit runs all job-exit hooks in order.
func (r *Registry) JobExit(ev JobExitEvent) {
	r.mu.RLock()
	hooks := r.jobExit
	r.mu.RUnlock()
	for _, h := range hooks {
		h(ev)
	}
}

// Idle runs all idle hooks in order.
func (r *Registry) Idle(ev IdleEvent) {
	r.mu.RLock()
	hooks := r.idle
	r.mu.RUnlock()
	for _, h := range hooks {
		h(ev)
	}
}
