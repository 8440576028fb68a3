// Package api exposes the daemon's HTTP control surface: job
// triggering and cancellation, job and schedule listings, stats,
// Prometheus metrics and a websocket stream of per-job progress
// events.
package api
