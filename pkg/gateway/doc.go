// Package gateway implements the per-job repository proxy. A session
// sits between an untrusted client and the real repository backend,
// classifies every protocol message against an exhaustive allow-list
// and fails the job closed on anything outside it. Reads pass
// through, writes are integrity-checked, deletes are restricted to
// the job's own checkpoint archives and the manifest is virtualized
// per client.
package gateway
