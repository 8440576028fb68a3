// Package log wraps zerolog behind a small global logger with child
// helpers scoped to a component, job or repository. The daemon logs
// human-readable console output by default and JSON when configured.
package log
