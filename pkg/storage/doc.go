// Package storage persists the daemon's state: jobs, repositories,
// clients, schedules, archives and the per-schedule occurrence
// watermarks. Records are JSON values in BoltDB buckets keyed by
// stable identifiers; relations are expressed as id references.
//
// Job creation and archive-name reservation happen in one BoltDB
// transaction so a name collision fails the whole call and no job is
// created. The daemon's runtime queue is deliberately not stored
// here; it is rebuilt from non-terminal jobs on restart.
package storage
