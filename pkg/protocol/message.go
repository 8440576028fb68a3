package protocol

import (
	"time"
)

// MessageType classifies a protocol message. The gateway's allow-list
// is exhaustive over these; anything it cannot classify terminates
// the session.
type MessageType string

const (
	MsgPut           MessageType = "put"
	MsgGet           MessageType = "get"
	MsgDelete        MessageType = "delete"
	MsgCommit        MessageType = "commit"
	MsgManifestFetch MessageType = "manifest-fetch"
	MsgManifestStore MessageType = "manifest-store"
)

// Request is one client-to-repository protocol message.
//
// Fields are used per type:
//
//	put:            ID, Payload
//	get:            ID
//	delete:         ID
//	commit:         -
//	manifest-fetch: -
//	manifest-store: Payload (a manifest blob)
type Request struct {
	Type    MessageType `cbor:"type"`
	ID      ObjectID    `cbor:"id,omitempty"`
	Payload []byte      `cbor:"payload,omitempty"`
}

// Response answers one Request. For get, Payload carries the object
// bytes and NotFound distinguishes a miss from an empty object. A
// non-empty Error marks the request as refused by the server; the
// session is closed right after such a response is written.
type Response struct {
	OK       bool   `cbor:"ok"`
	NotFound bool   `cbor:"not_found,omitempty"`
	Payload  []byte `cbor:"payload,omitempty"`
	Error    string `cbor:"error,omitempty"`
}

// ManifestEntry is one archive entry of a manifest blob: name maps to
// the archive object's id and timestamp. Client attribution is not
// part of the wire manifest; the server keeps it in its own store.
type ManifestEntry struct {
	ID   ObjectID  `cbor:"id"`
	Time time.Time `cbor:"time"`
}

// Manifest is the repository's archive index as transferred over the
// wire. Through a gateway session a client only ever sees a filtered
// view of it.
type Manifest struct {
	Archives map[string]ManifestEntry `cbor:"archives"`
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{Archives: make(map[string]ManifestEntry)}
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	c := NewManifest()
	for name, entry := range m.Archives {
		c.Archives[name] = entry
	}
	return c
}

// EncodeManifest serializes a manifest into a blob.
func EncodeManifest(m *Manifest) ([]byte, error) {
	return Marshal(m)
}

// DecodeManifest parses a manifest blob.
func DecodeManifest(blob []byte) (*Manifest, error) {
	m := NewManifest()
	if err := Unmarshal(blob, m); err != nil {
		return nil, err
	}
	if m.Archives == nil {
		m.Archives = make(map[string]ManifestEntry)
	}
	return m, nil
}
