// Package manifest computes per-client views of a repository's
// archive manifest. Untrusted clients never see or modify entries
// belonging to other clients; the gateway fetches the real manifest,
// filters it through a View, and merges back only the approved delta.
package manifest
