// Package codec centralizes JSON encoding/decoding for the driver on top of
// github.com/segmentio/encoding/json, a drop-in encoding/json replacement
// tuned for throughput — handshake messages and query payloads are encoded
// and decoded on every round trip, so the codec sits on the hot path.
package codec

import (
	"github.com/segmentio/encoding/json"
)

// Marshal encodes v as JSON, matching encoding/json semantics.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON data into v, matching encoding/json semantics.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// RawMessage re-exports json.RawMessage so callers need not import the
// underlying package directly.
type RawMessage = json.RawMessage
