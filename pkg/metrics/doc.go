// Package metrics exposes Prometheus metrics for the daemon: job and
// queue gauges sampled from the store plus counters incremented at
// the gateway, scheduler and admission points.
package metrics
