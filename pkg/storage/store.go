package storage

import (
	"errors"
	"time"

	"github.com/enkore/borgcube/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNameReserved is returned by CreateJob when the job's archive
	// name is already reserved in its repository. The caller gets the
	// failure synchronously and no job is created.
	ErrNameReserved = errors.New("archive name already reserved")
)

// Store is the persistence interface consumed by the daemon, the
// scheduler and the gateway. All calls are atomic at the granularity
// of one call.
type Store interface {
	// Jobs. CreateJob reserves the job's archive name in the same
	// transaction; it fails with ErrNameReserved on a collision and
	// creates nothing.
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByState(state types.JobState) ([]*types.Job, error)
	UpdateJob(job *types.Job) error

	// Repositories
	CreateRepository(repo *types.Repository) error
	GetRepository(id string) (*types.Repository, error)
	ListRepositories() ([]*types.Repository, error)
	UpdateRepository(repo *types.Repository) error
	DeleteRepository(id string) error

	// Clients
	CreateClient(client *types.Client) error
	GetClient(hostname string) (*types.Client, error)
	ListClients() ([]*types.Client, error)
	DeleteClient(hostname string) error

	// Schedules
	CreateSchedule(schedule *types.Schedule) error
	GetSchedule(id string) (*types.Schedule, error)
	ListSchedules() ([]*types.Schedule, error)
	UpdateSchedule(schedule *types.Schedule) error
	DeleteSchedule(id string) error

	// Occurrence watermarks: the last materialized occurrence per
	// schedule. Zero time means never materialized.
	GetWatermark(scheduleID string) (time.Time, error)
	SetWatermark(scheduleID string, occurrence time.Time) error

	// Archives (server-side attribution records)
	CreateArchive(archive *types.Archive) error
	GetArchiveByName(repositoryRef, name string) (*types.Archive, error)
	ListArchivesByRepository(repositoryRef string) ([]*types.Archive, error)
	ListArchivesByClient(repositoryRef, clientRef string) ([]*types.Archive, error)
	DeleteArchive(repositoryRef, name string) error

	// ReleaseArchiveName frees a reservation, e.g. when a job failed
	// before writing its archive. Reservations of completed archives
	// are kept so names are never reused.
	ReleaseArchiveName(repositoryRef, name string) error

	// Utility
	Close() error
}
