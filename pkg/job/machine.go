package job

import (
	"errors"
	"fmt"

	"github.com/enkore/borgcube/pkg/events"
	"github.com/enkore/borgcube/pkg/log"
	"github.com/enkore/borgcube/pkg/metrics"
	"github.com/enkore/borgcube/pkg/registry"
	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/types"
)

var (
	// ErrInvalidTransition is returned when the requested transition
	// is not in the lifecycle table or the job is not in the expected
	// prior state.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrTerminal is returned for any attempt to change the state of
	// a job that already reached a terminal state.
	ErrTerminal = errors.New("job is in a terminal state")

	// ErrReasonRequired is returned when a prune or check job reaches
	// a terminal state without an audit reason.
	ErrReasonRequired = errors.New("audit reason required")
)

// transitions is the lifecycle table. Anything not listed here is
// rejected; forced failure of a running job goes through the listed
// running->failed edge.
var transitions = map[types.JobState][]types.JobState{
	types.JobStatePending: {types.JobStateQueued, types.JobStateCancelled},
	types.JobStateQueued:  {types.JobStateRunning, types.JobStateCancelled},
	types.JobStateRunning: {types.JobStateDone, types.JobStateFailed},
}

func allowed(from, to types.JobState) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Machine commits job state transitions: it validates them against
// the lifecycle table, stamps timestamps, appends the audit trail,
// persists the job and notifies hooks and event subscribers. It is
// the only component that mutates Job.State.
type Machine struct {
	store    storage.Store
	registry *registry.Registry
	broker   *events.Broker
	clock    types.Clock
}

// NewMachine creates a job state machine over the given store.
func NewMachine(store storage.Store, reg *registry.Registry, broker *events.Broker, clock types.Clock) *Machine {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Machine{store: store, registry: reg, broker: broker, clock: clock}
}

// Transition moves the job from the expected prior state to the
// target state. It fails with ErrInvalidTransition when the job's
// current state differs from the expected one, so concurrent actors
// cannot both commit the same transition.
func (m *Machine) Transition(jobID string, from, to types.JobState, actor, reason string) (*types.Job, error) {
	j, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrTerminal)
	}
	if j.State != from {
		return nil, fmt.Errorf("job %s: cannot transition %s -> %s, current state is %s: %w",
			jobID, from, to, j.State, ErrInvalidTransition)
	}
	if !allowed(from, to) {
		return nil, fmt.Errorf("job %s: %s -> %s: %w", jobID, from, to, ErrInvalidTransition)
	}
	if to.Terminal() && reason == "" && (j.Kind == types.JobKindPrune || j.Kind == types.JobKindCheck) {
		return nil, fmt.Errorf("job %s: %s outcome: %w", jobID, j.Kind, ErrReasonRequired)
	}

	ev := registry.JobStateEvent{Job: j, From: from, To: to, Actor: actor, Reason: reason}
	if m.registry != nil {
		if err := m.registry.JobPreStateUpdate(ev); err != nil {
			return nil, fmt.Errorf("job %s: transition vetoed: %w", jobID, err)
		}
	}

	m.apply(j, from, to, actor, reason)
	if err := m.store.UpdateJob(j); err != nil {
		return nil, err
	}

	logger := log.WithJobID(j.ID)
	logger.Debug().Str("from", string(from)).Str("to", string(to)).Str("actor", actor).Msg("state transition")

	if m.registry != nil {
		m.registry.JobPostStateUpdate(ev)
	}
	m.publish(j, reason)
	return j, nil
}

// Fail forces a running job into the failed state, recording the
// machine-readable cause. Used by the gateway on policy violations,
// by the worker on process failures and by the daemon's restart
// recovery. States the lifecycle table cannot reach failed from are
// rejected; a pending or queued job is cancelled, never failed.
func (m *Machine) Fail(jobID, cause, actor, reason string) (*types.Job, error) {
	j, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrTerminal)
	}

	from := j.State
	if !allowed(from, types.JobStateFailed) {
		return nil, fmt.Errorf("job %s: %s -> %s: %w", jobID, from, types.JobStateFailed, ErrInvalidTransition)
	}
	j.FailureCause = cause
	m.apply(j, from, types.JobStateFailed, actor, reason)
	if err := m.store.UpdateJob(j); err != nil {
		return nil, err
	}

	logger := log.WithJobID(j.ID)
	logger.Error().Str("from", string(from)).Str("cause", cause).Msg("job failed")
	metrics.JobsFailed.WithLabelValues(cause).Inc()

	if m.registry != nil {
		m.registry.JobPostStateUpdate(registry.JobStateEvent{
			Job: j, From: from, To: types.JobStateFailed, Actor: actor, Reason: reason,
		})
	}
	m.publish(j, reason)

	// The archive name reservation is deliberately not released here.
	// Names are never reused, which keeps checkpoint handling on the
	// client side simple.
	return j, nil
}

// AppendAudit adds a log-only audit entry without changing state.
// Allowed in terminal states: the trail is additive.
func (m *Machine) AppendAudit(jobID, actor, reason string) error {
	j, err := m.store.GetJob(jobID)
	if err != nil {
		return err
	}
	j.Audit = append(j.Audit, types.AuditEntry{
		Time: m.clock.Now(), Actor: actor, From: j.State, To: j.State, Reason: reason,
	})
	return m.store.UpdateJob(j)
}

func (m *Machine) apply(j *types.Job, from, to types.JobState, actor, reason string) {
	now := m.clock.Now()
	j.State = to
	switch to {
	case types.JobStateQueued:
		j.QueuedAt = now
	case types.JobStateRunning:
		j.StartedAt = now
	}
	if to.Terminal() {
		j.FinishedAt = now
	}
	j.Audit = append(j.Audit, types.AuditEntry{
		Time: now, Actor: actor, From: from, To: to, Reason: reason,
	})
}

func (m *Machine) publish(j *types.Job, reason string) {
	if m.broker == nil {
		return
	}
	var typ events.EventType
	switch j.State {
	case types.JobStateQueued:
		typ = events.EventJobQueued
	case types.JobStateRunning:
		typ = events.EventJobRunning
	case types.JobStateDone:
		typ = events.EventJobDone
	case types.JobStateFailed:
		typ = events.EventJobFailed
	case types.JobStateCancelled:
		typ = events.EventJobCancelled
	default:
		return
	}
	m.broker.Publish(&events.Event{
		Type:    typ,
		JobID:   j.ID,
		Message: reason,
		Metadata: map[string]string{
			"kind":       string(j.Kind),
			"repository": j.RepositoryRef,
		},
	})
}
