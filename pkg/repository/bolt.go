package repository

import (
	"fmt"
	"sync"

	"github.com/enkore/borgcube/pkg/protocol"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketObjects = []byte("objects")
	bucketMeta    = []byte("meta")

	keyManifest = []byte("manifest")
)

// BoltBackend is one session's handle on a repository stored in a
// BoltDB file. Puts, deletes and manifest writes are staged in memory
// and flushed in a single BoltDB transaction on Commit, so a session
// that dies between commits leaves the repository exactly as the last
// commit did. Handles opened through a Pool share the database;
// standalone handles from OpenBolt own it.
type BoltBackend struct {
	db    *bolt.DB
	owned bool

	mu             sync.Mutex
	stagedPuts     map[protocol.ObjectID][]byte
	stagedDeletes  map[protocol.ObjectID]bool
	stagedManifest []byte
}

// OpenBolt opens (or creates) a repository at path. The handle owns
// the database and Close releases its file lock. Inside a daemon
// process use a Pool instead; the file lock admits one holder per
// file.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := openBoltDB(path)
	if err != nil {
		return nil, err
	}
	return newBoltHandle(db, true), nil
}

func openBoltDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketObjects, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newBoltHandle(db *bolt.DB, owned bool) *BoltBackend {
	return &BoltBackend{
		db:            db,
		owned:         owned,
		stagedPuts:    make(map[protocol.ObjectID][]byte),
		stagedDeletes: make(map[protocol.ObjectID]bool),
	}
}

func (b *BoltBackend) Get(id protocol.ObjectID) ([]byte, error) {
	b.mu.Lock()
	if payload, ok := b.stagedPuts[id]; ok {
		b.mu.Unlock()
		return payload, nil
	}
	deleted := b.stagedDeletes[id]
	b.mu.Unlock()
	if deleted {
		return nil, ErrObjectNotFound
	}

	var payload []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get(id[:])
		if data == nil {
			return ErrObjectNotFound
		}
		// BoltDB data is only valid during the transaction.
		payload = make([]byte, len(data))
		copy(payload, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (b *BoltBackend) Put(id protocol.ObjectID, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	staged := make([]byte, len(payload))
	copy(staged, payload)
	b.stagedPuts[id] = staged
	delete(b.stagedDeletes, id)
	return nil
}

func (b *BoltBackend) Delete(id protocol.ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stagedPuts, id)
	b.stagedDeletes[id] = true
	return nil
}

// Commit flushes all staged writes in one transaction.
func (b *BoltBackend) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.db.Update(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		for id, payload := range b.stagedPuts {
			if err := objects.Put(id[:], payload); err != nil {
				return err
			}
		}
		for id := range b.stagedDeletes {
			if err := objects.Delete(id[:]); err != nil {
				return err
			}
		}
		if b.stagedManifest != nil {
			if err := tx.Bucket(bucketMeta).Put(keyManifest, b.stagedManifest); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	b.stagedPuts = make(map[protocol.ObjectID][]byte)
	b.stagedDeletes = make(map[protocol.ObjectID]bool)
	b.stagedManifest = nil
	return nil
}

func (b *BoltBackend) LoadManifest() (*protocol.Manifest, error) {
	b.mu.Lock()
	staged := b.stagedManifest
	b.mu.Unlock()
	if staged != nil {
		return protocol.DecodeManifest(staged)
	}

	var blob []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyManifest)
		if data != nil {
			blob = make([]byte, len(data))
			copy(blob, data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return protocol.NewManifest(), nil
	}
	return protocol.DecodeManifest(blob)
}

func (b *BoltBackend) StoreManifest(m *protocol.Manifest) error {
	blob, err := protocol.EncodeManifest(m)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.stagedManifest = blob
	b.mu.Unlock()
	return nil
}

// Close discards uncommitted writes. A pool-shared handle leaves the
// database open for its sibling sessions; an owned handle closes it.
func (b *BoltBackend) Close() error {
	b.mu.Lock()
	b.stagedPuts = make(map[protocol.ObjectID][]byte)
	b.stagedDeletes = make(map[protocol.ObjectID]bool)
	b.stagedManifest = nil
	b.mu.Unlock()
	if !b.owned {
		return nil
	}
	return b.db.Close()
}
