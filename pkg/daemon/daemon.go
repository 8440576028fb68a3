package daemon

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/enkore/borgcube/pkg/events"
	"github.com/enkore/borgcube/pkg/gateway"
	"github.com/enkore/borgcube/pkg/job"
	"github.com/enkore/borgcube/pkg/log"
	"github.com/enkore/borgcube/pkg/metrics"
	"github.com/enkore/borgcube/pkg/registry"
	"github.com/enkore/borgcube/pkg/repository"
	"github.com/enkore/borgcube/pkg/scheduler"
	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/types"
	"github.com/enkore/borgcube/pkg/worker"
)

// ErrUnknownJob is returned by Cancel for a job that is neither
// queued nor running.
var ErrUnknownJob = errors.New("job not queued or running")

// Config holds the daemon's runtime settings.
type Config struct {
	TickInterval time.Duration
	LogDir       string

	// SocketPath is where gateway sessions are served to serve
	// processes. Empty disables the listener (tests).
	SocketPath string

	// Secret keys the reverse paths handed to clients.
	Secret []byte

	// Policies maps retention policy names to their definitions.
	// Prune jobs reference one by ConfigRef.
	Policies map[string]*types.RetentionPolicy
}

// Daemon runs the control loop: scheduler sweep, queue ingest,
// conflict-checked admission and child reaping. The queue lives only
// in memory; on restart it is rebuilt from storage.
type Daemon struct {
	store    storage.Store
	machine  *job.Machine
	sched    *scheduler.Scheduler
	broker   *events.Broker
	registry *registry.Registry
	clock    types.Clock
	cfg      Config
	logger   zerolog.Logger

	// pool holds the repository databases; every gateway session and
	// every in-process prune or check shares them through it.
	pool    *repository.Pool
	gateway *gateway.Listener

	mu      sync.Mutex
	queue   []*types.Job
	running map[string]*runningJob

	stopCh chan struct{}
	wakeCh chan struct{}
	doneCh chan worker.Result
	wg     sync.WaitGroup
}

type runningJob struct {
	job    *types.Job
	worker *worker.Worker
}

// New creates a daemon. The clock is injectable for tests; nil means
// wall clock.
func New(store storage.Store, machine *job.Machine, sched *scheduler.Scheduler, broker *events.Broker, reg *registry.Registry, clock types.Clock, cfg Config) *Daemon {
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	d := &Daemon{
		store:    store,
		machine:  machine,
		sched:    sched,
		broker:   broker,
		registry: reg,
		clock:    clock,
		cfg:      cfg,
		logger:   log.WithComponent("daemon"),
		pool:     repository.NewPool(),
		running:  make(map[string]*runningJob),
		stopCh:   make(chan struct{}),
		wakeCh:   make(chan struct{}, 1),
		doneCh:   make(chan worker.Result, 16),
	}
	if cfg.SocketPath != "" {
		d.gateway = gateway.NewListener(store, machine, broker, d.pool, cfg.Secret, cfg.SocketPath)
	}
	return d
}

// Start recovers state from a previous daemon life and launches the
// control loop.
func (d *Daemon) Start() error {
	if err := d.recover(); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if d.gateway != nil {
		if err := d.gateway.Start(); err != nil {
			return err
		}
	}
	d.wg.Add(1)
	go d.loop()
	d.logger.Info().Dur("tick", d.cfg.TickInterval).Msg("daemon started")
	return nil
}

// Stop shuts the gateway listener and the control loop down. Running
// workers are left to their own lifetime; their jobs are failed on
// the next daemon start.
func (d *Daemon) Stop() {
	if d.gateway != nil {
		d.gateway.Stop()
	}
	close(d.stopCh)
	d.wg.Wait()
	d.pool.Close()
	d.logger.Info().Msg("daemon stopped")
}

// Wake nudges the control loop outside its idle interval, e.g. after
// a manual trigger.
func (d *Daemon) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// recover rebuilds runtime state from storage. Jobs that were running
// when the previous daemon died cannot have survived it and are
// failed; queued jobs re-enter the in-memory queue in their original
// order.
func (d *Daemon) recover() error {
	stale, err := d.store.ListJobsByState(types.JobStateRunning)
	if err != nil {
		return err
	}
	for _, j := range stale {
		if _, err := d.machine.Fail(j.ID, "daemon-restart", "daemon", "daemon restarted while job was running"); err != nil {
			return fmt.Errorf("fail stale job %s: %w", j.ID, err)
		}
	}

	queued, err := d.store.ListJobsByState(types.JobStateQueued)
	if err != nil {
		return err
	}
	sort.Slice(queued, func(i, k int) bool { return queued[i].QueuedAt.Before(queued[k].QueuedAt) })

	d.mu.Lock()
	d.queue = queued
	d.mu.Unlock()

	if len(stale) > 0 || len(queued) > 0 {
		d.logger.Info().Int("failed", len(stale)).Int("requeued", len(queued)).Msg("recovered jobs from previous run")
	}
	return nil
}

func (d *Daemon) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.tick()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick()
		case <-d.wakeCh:
			d.tick()
		case res := <-d.doneCh:
			d.reap(res)
		}
	}
}

// tick is one pass of the control loop: materialize due schedules,
// ingest pending jobs, admit what the conflict checker allows.
func (d *Daemon) tick() {
	now := d.clock.Now()
	if d.sched != nil {
		if _, err := d.sched.Sweep(now); err != nil {
			d.logger.Error().Err(err).Msg("scheduler sweep failed")
		}
	}
	d.ingest()
	d.admit()

	d.mu.Lock()
	depth, active := len(d.queue), len(d.running)
	d.mu.Unlock()
	if d.registry != nil {
		d.registry.Idle(registry.IdleEvent{QueueDepth: depth, Running: active})
	}
}

// ingest moves newly pending jobs into the queue, oldest first.
func (d *Daemon) ingest() {
	pending, err := d.store.ListJobsByState(types.JobStatePending)
	if err != nil {
		d.logger.Error().Err(err).Msg("listing pending jobs failed")
		return
	}
	sort.Slice(pending, func(i, k int) bool { return pending[i].CreatedAt.Before(pending[k].CreatedAt) })

	for _, j := range pending {
		queued, err := d.machine.Transition(j.ID, types.JobStatePending, types.JobStateQueued, "daemon", "")
		if err != nil {
			d.logger.Error().Err(err).Str("job_id", j.ID).Msg("queueing job failed")
			continue
		}
		d.mu.Lock()
		d.queue = append(d.queue, queued)
		d.mu.Unlock()
	}
}

// admit walks the queue in FIFO order and starts every job that does
// not conflict with a running one. Conflicting jobs are skipped, not
// reordered; a later non-conflicting job may overtake them.
func (d *Daemon) admit() {
	d.mu.Lock()
	defer d.mu.Unlock()

	remaining := d.queue[:0]
	for _, j := range d.queue {
		if d.conflictsLocked(j) {
			remaining = append(remaining, j)
			continue
		}
		if err := d.startLocked(j); err != nil {
			d.logger.Error().Err(err).Str("job_id", j.ID).Msg("starting job failed")
			remaining = append(remaining, j)
		}
	}
	d.queue = remaining
}

func (d *Daemon) conflictsLocked(j *types.Job) bool {
	for _, r := range d.running {
		if Conflicts(j, r.job) {
			return true
		}
	}
	return false
}

// Conflicts is the pairwise conflict predicate: two jobs conflict iff
// they target the same repository and at least one is an exclusive
// operation (prune, repair check), or both target the same archive
// name. Concurrent backups from different clients with different
// archive names do not conflict.
func Conflicts(a, b *types.Job) bool {
	if a.RepositoryRef != b.RepositoryRef {
		return false
	}
	if exclusive(a) || exclusive(b) {
		return true
	}
	return a.ArchiveName != "" && a.ArchiveName == b.ArchiveName
}

func exclusive(j *types.Job) bool {
	switch j.Kind {
	case types.JobKindPrune:
		return true
	case types.JobKindCheck:
		return j.Repair
	}
	return false
}

// startLocked transitions j to running and forks its executor. Called
// with d.mu held.
func (d *Daemon) startLocked(j *types.Job) error {
	started, err := d.machine.Transition(j.ID, types.JobStateQueued, types.JobStateRunning, "daemon", "")
	if err != nil {
		return err
	}

	rj := &runningJob{job: started}
	switch started.Kind {
	case types.JobKindBackup, types.JobKindRestore:
		client, err := d.store.GetClient(started.ClientRef)
		if err != nil {
			d.machine.Fail(started.ID, "internal", "daemon", fmt.Sprintf("client %s: %v", started.ClientRef, err))
			return err
		}
		w := worker.New(d.machine, d.broker, d.registry, d.cfg.LogDir)
		rj.worker = w
		go w.Run(started, client, job.ReversePath(d.cfg.Secret, started.ID), d.doneCh)
	case types.JobKindPrune:
		go d.runPrune(started)
	case types.JobKindCheck:
		go d.runCheck(started)
	default:
		d.machine.Fail(started.ID, "internal", "daemon", fmt.Sprintf("unknown job kind %q", started.Kind))
		return fmt.Errorf("unknown job kind %q", started.Kind)
	}

	d.running[started.ID] = rj
	metrics.JobsAdmitted.Inc()
	d.logger.Info().Str("job_id", started.ID).Str("kind", string(started.Kind)).Msg("job admitted")
	return nil
}

// reap removes an exited job from the running set and wakes the loop
// so jobs it was blocking can be admitted.
func (d *Daemon) reap(res worker.Result) {
	d.mu.Lock()
	delete(d.running, res.JobID)
	d.mu.Unlock()
	d.logger.Debug().Str("job_id", res.JobID).Int("exit_code", res.ExitCode).Msg("job reaped")
	d.Wake()
}

// Cancel cancels a job. Queued jobs are removed from the queue
// synchronously without backend contact; running jobs get their
// worker's process group signalled, best effort.
func (d *Daemon) Cancel(jobID string) error {
	d.mu.Lock()
	for i, j := range d.queue {
		if j.ID != jobID {
			continue
		}
		d.queue = append(d.queue[:i], d.queue[i+1:]...)
		d.mu.Unlock()
		_, err := d.machine.Transition(jobID, types.JobStateQueued, types.JobStateCancelled, "operator", "cancelled while queued")
		return err
	}
	rj, ok := d.running[jobID]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
	}
	if rj.worker == nil {
		return fmt.Errorf("job %s runs in-process and cannot be cancelled: %w", jobID, ErrUnknownJob)
	}
	d.logger.Info().Str("job_id", jobID).Msg("signalling running job")
	return rj.worker.Kill()
}

// QueueDepth returns the number of queued jobs.
func (d *Daemon) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// RunningCount returns the number of running jobs.
func (d *Daemon) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}
