// Package protocol implements the repository wire protocol: the
// message kinds a client may send (put, get, delete, commit, manifest
// fetch, manifest store), their length-framed CBOR encoding, and the
// keyed-MAC object ids that address repository content.
//
// The framing is symmetric: the gateway reads client requests from
// the remote-shell stdio stream and writes the same frame format to
// the repository backend. Only manifest payloads are ever rewritten
// in between; object payloads pass through byte-exact.
package protocol
