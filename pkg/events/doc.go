// Package events implements the daemon's fan-out event broker. Job
// lifecycle changes and remote progress lines are published here and
// forwarded to any number of subscribers (the live log stream over
// the HTTP API, tests). Delivery is best-effort by design: with no or
// slow subscribers, publishing never blocks a worker.
package events
