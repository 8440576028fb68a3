// Package testutil holds shared test fixtures: a controllable clock,
// a deterministic id generator and a temp-dir backed store.
package testutil
