package repository

import (
	"sync"

	"github.com/enkore/borgcube/pkg/protocol"
)

// MemoryBackend is an in-memory Backend with the same staged-commit
// semantics as BoltBackend. Used in tests.
type MemoryBackend struct {
	mu sync.Mutex

	committed         map[protocol.ObjectID][]byte
	committedManifest []byte

	stagedPuts     map[protocol.ObjectID][]byte
	stagedDeletes  map[protocol.ObjectID]bool
	stagedManifest []byte

	closed bool
}

// NewMemoryBackend returns an empty in-memory repository.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		committed:     make(map[protocol.ObjectID][]byte),
		stagedPuts:    make(map[protocol.ObjectID][]byte),
		stagedDeletes: make(map[protocol.ObjectID]bool),
	}
}

func (b *MemoryBackend) Get(id protocol.ObjectID) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if payload, ok := b.stagedPuts[id]; ok {
		return payload, nil
	}
	if b.stagedDeletes[id] {
		return nil, ErrObjectNotFound
	}
	payload, ok := b.committed[id]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return payload, nil
}

func (b *MemoryBackend) Put(id protocol.ObjectID, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	staged := make([]byte, len(payload))
	copy(staged, payload)
	b.stagedPuts[id] = staged
	delete(b.stagedDeletes, id)
	return nil
}

func (b *MemoryBackend) Delete(id protocol.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stagedPuts, id)
	b.stagedDeletes[id] = true
	return nil
}

func (b *MemoryBackend) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, payload := range b.stagedPuts {
		b.committed[id] = payload
	}
	for id := range b.stagedDeletes {
		delete(b.committed, id)
	}
	if b.stagedManifest != nil {
		b.committedManifest = b.stagedManifest
	}
	b.stagedPuts = make(map[protocol.ObjectID][]byte)
	b.stagedDeletes = make(map[protocol.ObjectID]bool)
	b.stagedManifest = nil
	return nil
}

func (b *MemoryBackend) LoadManifest() (*protocol.Manifest, error) {
	b.mu.Lock()
	blob := b.stagedManifest
	if blob == nil {
		blob = b.committedManifest
	}
	b.mu.Unlock()
	if blob == nil {
		return protocol.NewManifest(), nil
	}
	return protocol.DecodeManifest(blob)
}

func (b *MemoryBackend) StoreManifest(m *protocol.Manifest) error {
	blob, err := protocol.EncodeManifest(m)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.stagedManifest = blob
	b.mu.Unlock()
	return nil
}

// Close discards staged writes.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stagedPuts = make(map[protocol.ObjectID][]byte)
	b.stagedDeletes = make(map[protocol.ObjectID]bool)
	b.stagedManifest = nil
	b.closed = true
	return nil
}

// Closed reports whether Close was called. Tests use this to verify
// that the gateway tears down its backend connection.
func (b *MemoryBackend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// CommittedObjects returns the number of durably stored objects.
func (b *MemoryBackend) CommittedObjects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.committed)
}
