package repository

import (
	"errors"

	"github.com/enkore/borgcube/pkg/protocol"
)

// ErrObjectNotFound is returned by Get for an id with no object.
var ErrObjectNotFound = errors.New("object not found")

// Backend is the repository as seen by a gateway session: a keyed
// object store plus one manifest blob. Writes are staged and only
// become durable on Commit; closing a backend with uncommitted writes
// discards them. Concurrency control across simultaneous writers is
// the backend's own business.
type Backend interface {
	Get(id protocol.ObjectID) ([]byte, error)
	Put(id protocol.ObjectID, payload []byte) error
	Delete(id protocol.ObjectID) error
	Commit() error
	LoadManifest() (*protocol.Manifest, error)
	StoreManifest(m *protocol.Manifest) error
	Close() error
}
