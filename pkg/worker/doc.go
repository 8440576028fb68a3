// Package worker supervises the remote client-side process of a
// running job. It spawns the operation over the configured remote
// shell, streams output into the job's log file and the event broker
// and records the terminal job state when the process exits.
package worker
