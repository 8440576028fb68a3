package scheduler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/enkore/borgcube/pkg/events"
	"github.com/enkore/borgcube/pkg/job"
	"github.com/enkore/borgcube/pkg/log"
	"github.com/enkore/borgcube/pkg/metrics"
	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/types"
)

// maxCatchUp bounds how many missed occurrences of one schedule a
// single sweep materializes.
const maxCatchUp = 1000

// DueAction pairs a scheduled action with the occurrence that made it
// due.
type DueAction struct {
	Schedule   *types.Schedule
	Action     types.ScheduledAction
	Occurrence time.Time
}

// Scheduler evaluates stored schedules against wall-clock time and
// materializes due actions into jobs. The last materialized
// occurrence per schedule is persisted, so re-evaluation of the same
// window never creates duplicate jobs.
type Scheduler struct {
	store   storage.Store
	creator *job.Creator
	broker  *events.Broker
	clock   types.Clock
	logger  zerolog.Logger
}

// New creates a scheduler over the given store.
func New(store storage.Store, creator *job.Creator, broker *events.Broker, clock types.Clock) *Scheduler {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Scheduler{
		store:   store,
		creator: creator,
		broker:  broker,
		clock:   clock,
		logger:  log.WithComponent("scheduler"),
	}
}

// DueActions returns every (action, occurrence) pair across all
// schedules that falls between each schedule's watermark and now.
// Missed windows are caught up in full unless the action opts out.
// The watermark is not advanced here; Sweep does that after
// materializing.
func (s *Scheduler) DueActions(now time.Time) ([]DueAction, error) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}

	var due []DueAction
	for _, sched := range schedules {
		mark, err := s.store.GetWatermark(sched.ID)
		if err != nil {
			return nil, fmt.Errorf("watermark for %s: %w", sched.ID, err)
		}
		if mark.IsZero() {
			// Never evaluated. Start at the rule, not at the epoch.
			mark = sched.Recurrence.Start.Add(-time.Second)
		}
		occurrences := OccurrencesBetween(sched.Recurrence, mark, now, maxCatchUp)
		for i, occ := range occurrences {
			latest := i == len(occurrences)-1
			for _, action := range sched.Actions {
				if action.NoCatchUp && !latest {
					continue
				}
				due = append(due, DueAction{Schedule: sched, Action: action, Occurrence: occ})
			}
		}
	}
	return due, nil
}

// Sweep materializes all due actions into jobs and advances each
// schedule's watermark. Safe to call from every daemon tick.
func (s *Scheduler) Sweep(now time.Time) (int, error) {
	due, err := s.DueActions(now)
	if err != nil {
		return 0, err
	}

	created := 0
	marks := make(map[string]time.Time)
	for _, d := range due {
		if err := s.materialize(d); err != nil {
			s.logger.Error().Err(err).
				Str("schedule", d.Schedule.ID).
				Str("kind", string(d.Action.Kind)).
				Msg("materializing action failed")
		} else {
			created++
			metrics.JobsMaterialized.Inc()
		}
		if d.Occurrence.After(marks[d.Schedule.ID]) {
			marks[d.Schedule.ID] = d.Occurrence
		}
	}
	for id, mark := range marks {
		if err := s.store.SetWatermark(id, mark); err != nil {
			return created, fmt.Errorf("advance watermark for %s: %w", id, err)
		}
	}
	return created, nil
}

func (s *Scheduler) materialize(d DueAction) error {
	repo, err := s.store.GetRepository(d.Action.RepositoryRef)
	if err != nil {
		return fmt.Errorf("repository %s: %w", d.Action.RepositoryRef, err)
	}

	var j *types.Job
	switch d.Action.Kind {
	case types.ActionBackup:
		client, err := s.store.GetClient(d.Action.ClientRef)
		if err != nil {
			return fmt.Errorf("client %s: %w", d.Action.ClientRef, err)
		}
		j, err = s.creator.Backup(repo, client, d.Action.ConfigRef)
		if err != nil {
			return err
		}
	case types.ActionCheck:
		j, err = s.creator.Check(repo, d.Action.ConfigRef, d.Action.Repair)
		if err != nil {
			return err
		}
	case types.ActionPrune:
		j, err = s.creator.Prune(repo, d.Action.ConfigRef)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown action kind %q", d.Action.Kind)
	}

	s.logger.Info().
		Str("schedule", d.Schedule.ID).
		Str("job_id", j.ID).
		Str("kind", string(j.Kind)).
		Time("occurrence", d.Occurrence).
		Msg("job materialized from schedule")

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:      events.EventScheduleFired,
			Timestamp: s.clock.Now(),
			JobID:     j.ID,
			Message:   d.Schedule.Name,
			Metadata: map[string]string{
				"schedule":   d.Schedule.ID,
				"occurrence": d.Occurrence.Format(time.RFC3339),
			},
		})
	}
	return nil
}
