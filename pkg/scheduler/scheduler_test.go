package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enkore/borgcube/pkg/job"
	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/testutil"
	"github.com/enkore/borgcube/pkg/types"
)

func seedSchedule(t *testing.T, store storage.Store, actions []types.ScheduledAction) *types.Schedule {
	t.Helper()
	require.NoError(t, store.CreateRepository(&types.Repository{ID: "repo1", URL: "/tmp/repo1"}))
	require.NoError(t, store.CreateClient(&types.Client{Hostname: "host1", Connection: &types.RshConnection{Remote: "root@host1"}}))
	s := &types.Schedule{
		ID:   "sched1",
		Name: "nightly",
		Recurrence: types.Recurrence{
			Start: time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC),
			Unit:  types.RecurDaily,
		},
		Actions: actions,
	}
	require.NoError(t, store.CreateSchedule(s))
	return s
}

func backupAction() []types.ScheduledAction {
	return []types.ScheduledAction{{Kind: types.ActionBackup, RepositoryRef: "repo1", ClientRef: "host1"}}
}

func newScheduler(store storage.Store, clock types.Clock) *Scheduler {
	creator := job.NewCreator(store, testutil.NewStubIDGenerator(), clock)
	return New(store, creator, nil, clock)
}

func TestSweepMaterializesDueOccurrence(t *testing.T) {
	store := testutil.TempStore(t)
	seedSchedule(t, store, backupAction())
	clock := testutil.NewStubClock(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC))
	s := newScheduler(store, clock)

	created, err := s.Sweep(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	jobs, err := store.ListJobsByState(types.JobStatePending)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobKindBackup, jobs[0].Kind)
	assert.Equal(t, "host1-job-1", jobs[0].ArchiveName)
}

func TestSweepIdempotent(t *testing.T) {
	store := testutil.TempStore(t)
	seedSchedule(t, store, backupAction())
	clock := testutil.NewStubClock(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC))
	s := newScheduler(store, clock)

	created, err := s.Sweep(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// Re-evaluating the same window creates nothing.
	created, err = s.Sweep(clock.Now())
	require.NoError(t, err)
	assert.Zero(t, created)

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSweepCatchesUpMissedWindows(t *testing.T) {
	store := testutil.TempStore(t)
	seedSchedule(t, store, backupAction())
	clock := testutil.NewStubClock(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC))
	s := newScheduler(store, clock)

	_, err := s.Sweep(clock.Now())
	require.NoError(t, err)

	// Daemon was down for three days.
	clock.Advance(72 * time.Hour)
	created, err := s.Sweep(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, created)
}

func TestSweepNoCatchUpSkipsMissedOccurrences(t *testing.T) {
	store := testutil.TempStore(t)
	seedSchedule(t, store, []types.ScheduledAction{
		{Kind: types.ActionBackup, RepositoryRef: "repo1", ClientRef: "host1", NoCatchUp: true},
	})
	clock := testutil.NewStubClock(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC))
	s := newScheduler(store, clock)

	_, err := s.Sweep(clock.Now())
	require.NoError(t, err)

	clock.Advance(72 * time.Hour)
	created, err := s.Sweep(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, created, "only the latest missed occurrence runs")
}

func TestSweepAdvancesWatermarkPastFailedMaterialization(t *testing.T) {
	// An action referencing a missing client cannot materialize, but
	// the occurrence is consumed rather than retried forever.
	store := testutil.TempStore(t)
	require.NoError(t, store.CreateRepository(&types.Repository{ID: "repo1", URL: "/tmp/repo1"}))
	require.NoError(t, store.CreateSchedule(&types.Schedule{
		ID: "sched1",
		Recurrence: types.Recurrence{
			Start: time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC),
			Unit:  types.RecurDaily,
		},
		Actions: []types.ScheduledAction{{Kind: types.ActionBackup, RepositoryRef: "repo1", ClientRef: "ghost"}},
	}))
	clock := testutil.NewStubClock(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC))
	s := newScheduler(store, clock)

	created, err := s.Sweep(clock.Now())
	require.NoError(t, err)
	assert.Zero(t, created)

	mark, err := store.GetWatermark("sched1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC), mark.UTC())
}

func TestDueActionsMultipleActionsPerOccurrence(t *testing.T) {
	store := testutil.TempStore(t)
	seedSchedule(t, store, []types.ScheduledAction{
		{Kind: types.ActionBackup, RepositoryRef: "repo1", ClientRef: "host1"},
		{Kind: types.ActionPrune, RepositoryRef: "repo1", ConfigRef: "default"},
	})
	clock := testutil.NewStubClock(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC))
	s := newScheduler(store, clock)

	due, err := s.DueActions(clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, due[0].Occurrence, due[1].Occurrence)
}
