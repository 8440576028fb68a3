// Package repository provides the backend side of a gateway session:
// the keyed object store and manifest of one borg repository. The
// backend stages all writes in memory and makes them durable only on
// an explicit commit, which is what lets the gateway abort a violated
// session without leaving partial writes behind.
package repository
