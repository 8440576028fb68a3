// Package scheduler turns stored schedules into jobs. Occurrence
// computation is a pure function of the recurrence rule; a persisted
// per-schedule watermark makes materialization idempotent across
// re-evaluation and daemon restarts, with full catch-up of missed
// windows unless an action opts out.
package scheduler
