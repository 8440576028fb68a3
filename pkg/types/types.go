package types

import (
	"time"
)

// Repository identifies one borg repository managed by the server.
// The encryption key and raw manifest of a repository are exclusively
// server-side; clients only ever see them through a gateway session.
type Repository struct {
	ID          string
	Name        string
	Description string

	// Backend URL, for example /data0/repository or user@storage:/path.
	URL string

	// 32 bytes in hex, recorded when the repository is first opened.
	RepositoryID string

	// Reference to the keyed-MAC credentials used to recompute object
	// ids on PUT. Resolved by the key store, never embedded here.
	CredentialsRef string

	CreatedAt time.Time
}

// Client is one machine backups are pulled from. Clients are
// untrusted; everything they may do runs through a gateway session.
type Client struct {
	Hostname    string
	Description string
	Connection  *RshConnection
	CreatedAt   time.Time
}

// RshConnection describes how the daemon reaches a client over the
// remote shell.
type RshConnection struct {
	// Usually root@somehost, or a .ssh/config host alias.
	Remote string

	RSH            string // default "ssh"
	RSHOptions     []string
	IdentityFile   string
	RemoteBorg     string // default "borg"
	RemoteCacheDir string
}

// JobKind is the operation a job performs against its repository.
type JobKind string

const (
	JobKindBackup  JobKind = "backup"
	JobKindRestore JobKind = "restore"
	JobKindCheck   JobKind = "check"
	JobKindPrune   JobKind = "prune"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateDone      JobState = "done"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether s is a terminal state. Terminal states are
// immutable; only log appends are allowed afterwards.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateDone, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Job is one attempted operation against one repository. The ID
// doubles as the path component presented over the remote-shell
// transport and as the gateway session key.
type Job struct {
	ID            string
	Kind          JobKind
	RepositoryRef string
	ClientRef     string // optional; empty for prune/check
	ConfigRef     string // optional

	State JobState

	// ArchiveName is reserved atomically with job creation so two
	// concurrent jobs can never target the same archive name in the
	// same repository.
	ArchiveName string

	// CheckpointArchives maps checkpoint archive names this job wrote
	// and has not yet finalized to their object ids, hex encoded.
	// Only these may be deleted through the gateway.
	CheckpointArchives map[string]string

	// Repair marks a check job that may modify the repository.
	// Repair checks are exclusive; plain checks are concurrent reads.
	Repair bool

	CreatedAt  time.Time
	QueuedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// FailureCause is a machine-readable failure kind, e.g.
	// "policy-violation" or "client-connection-failed".
	FailureCause string

	// Audit is the append-only trail of state transitions.
	Audit []AuditEntry
}

// Duration is the job's wall time so far, or total if finished.
func (j *Job) Duration(now time.Time) time.Duration {
	start := j.StartedAt
	if start.IsZero() {
		start = j.CreatedAt
	}
	if !j.FinishedAt.IsZero() {
		return j.FinishedAt.Sub(start)
	}
	return now.Sub(start)
}

// AuditEntry records one state transition: who committed it and why.
// A reason is required for prune and check outcomes.
type AuditEntry struct {
	Time   time.Time
	Actor  string // "scheduler", "queue", "worker", "gateway", "operator"
	From   JobState
	To     JobState
	Reason string
}

// Schedule is a calendar rule with an ordered list of actions to
// materialize on each occurrence. Owned by configuration storage;
// read-only to the scheduler.
type Schedule struct {
	ID          string
	Name        string
	Description string

	Recurrence Recurrence
	Actions    []ScheduledAction
}

// RecurrenceUnit is the period of a recurrence rule.
type RecurrenceUnit string

const (
	RecurHourly  RecurrenceUnit = "hourly"
	RecurDaily   RecurrenceUnit = "daily"
	RecurWeekly  RecurrenceUnit = "weekly"
	RecurMonthly RecurrenceUnit = "monthly"
)

// Recurrence is a deliberately small recurrence rule: a start time
// plus a unit and interval. NextAfter is a pure function of the rule
// and a point in time.
type Recurrence struct {
	Start    time.Time
	Unit     RecurrenceUnit
	Interval int // every N units; 0 means 1
}

// ActionKind selects what a scheduled action materializes.
type ActionKind string

const (
	ActionBackup ActionKind = "backup"
	ActionCheck  ActionKind = "check"
	ActionPrune  ActionKind = "prune"
)

// ScheduledAction materializes into one job per occurrence.
type ScheduledAction struct {
	Kind          ActionKind
	RepositoryRef string
	ClientRef     string // backups only
	ConfigRef     string
	Repair        bool // check actions only

	// NoCatchUp skips occurrences missed while the daemon was down.
	NoCatchUp bool
}

// Archive is the server-side record of one archive in a repository.
type Archive struct {
	ID            string // hex object id
	RepositoryRef string
	ClientRef     string
	JobRef        string
	Name          string
	Time          time.Time

	NFiles           int64
	OriginalSize     int64
	CompressedSize   int64
	DeduplicatedSize int64
}

// RetentionPolicy holds keep-last counts per calendar bucket, applied
// to a client's archives by prune jobs. -1 keeps everything in that
// bucket, 0 disables it.
type RetentionPolicy struct {
	Name        string
	Description string

	KeepHourly  int
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
}
