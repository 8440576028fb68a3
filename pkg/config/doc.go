// Package config loads the daemon's YAML configuration: listen
// address, data directory, shared secret and the bootstrap set of
// repositories, clients, schedules and retention policies.
package config
