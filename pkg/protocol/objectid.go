package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// ObjectID is the content-derived identifier of a repository object:
// a 32-byte keyed BLAKE3 MAC of the payload. It is used both for
// deduplication lookups and as the integrity check on writes.
type ObjectID [32]byte

// Key is the 32-byte MAC key of a repository. The gateway holds the
// same key as the backend so it can recompute object ids on PUT.
type Key [32]byte

// ComputeID returns the object id of payload under key.
func ComputeID(key Key, payload []byte) ObjectID {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a wrong key length, which the Key
		// type rules out.
		panic("protocol: " + err.Error())
	}
	h.Write(payload)
	var id ObjectID
	h.Digest().Read(id[:])
	return id
}

// Equal reports whether two ids are identical.
func (id ObjectID) Equal(other ObjectID) bool {
	return bytes.Equal(id[:], other[:])
}

// Hex returns the lowercase hex encoding of the id.
func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer with a shortened form for logs.
func (id ObjectID) String() string {
	return id.Hex()[:16]
}

// ParseObjectID decodes a 64-character hex string into an ObjectID.
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid object id %q: need %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// DeriveKey derives a repository MAC key from a credentials secret
// using BLAKE3 key derivation with a fixed context string. Changing
// the context invalidates all derived keys.
func DeriveKey(secret []byte) Key {
	var key Key
	blake3.DeriveKey("borgcube repository object id v1", secret, key[:])
	return key
}
