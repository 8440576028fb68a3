// Package daemon runs the coordination loop: it sweeps the scheduler,
// ingests pending jobs into an in-memory FIFO queue, admits jobs the
// conflict checker allows and reaps finished workers. The queue is
// never persisted; a restart fails jobs that were running and rebuilds
// the queue from storage.
package daemon
