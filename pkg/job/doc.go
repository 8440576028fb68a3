// Package job implements the job lifecycle: creation with atomic
// archive name reservation, and the state machine that moves jobs
// through pending, queued, running and the terminal states with an
// audit trail on every transition.
package job
