// Package codec encodes and decodes typed leaf values to self-describing
// bytes, byte-identical for equal values regardless of call site.
package codec

import (
	"bytes"
	"encoding/json"
)

// Codec encodes and decodes typed leaf values to/from bytes.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte, v any) error
}

// JSON is the default Codec: every bbolt-persisted record in this module
// uses it. encoding/json's map key sort order and lack of field reordering
// between equal Go values already gives byte-identical output for equal
// inputs of the same static type, which is all the leaf values here ever
// are.
type jsonCodec struct{}

func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; strip it so
	// Encode(nil) is stable regardless of caller's use of Marshal vs Encoder.
	out := buf.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

func (jsonCodec) Decode(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

// encodedNull is the fixed byte representation of an explicit DataRef null
// leaf, shared process-wide so every `null` ref hashes identically.
var encodedNull = []byte("null")

// EncodedNull returns the canonical encoding of a null leaf value.
func EncodedNull() []byte { return encodedNull }
