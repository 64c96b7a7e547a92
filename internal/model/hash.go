// Package model defines the data types shared by every dataflow engine
// component: hashes, the data tree, task and package descriptors, workspace
// state, execution status, and run events.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Hash is a lowercase 64-character hex sha256 digest identifying an Object.
type Hash string

// HashBytes computes the content hash of b.
func HashBytes(b []byte) Hash {
	sum := sha256.Sum256(b)
	return Hash(hex.EncodeToString(sum[:]))
}

// Valid reports whether h has the shape of a sha256 hex digest.
func (h Hash) Valid() bool {
	if len(h) != 64 {
		return false
	}
	for _, r := range string(h) {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

func (h Hash) String() string { return string(h) }

// ShardPath returns the two-level directory shard for h, e.g. "ab/cd1234...",
// avoiding a single flat directory with millions of entries on filesystem backends.
func (h Hash) ShardPath() string {
	s := string(h)
	if len(s) < 2 {
		return s
	}
	return fmt.Sprintf("%s/%s", s[:2], s[2:])
}

// InputsHash computes the deterministic cache-key digest over an ordered
// list of input hashes: sha256 over their concatenated hex bytes, each
// separated by a newline so no input ordering or boundary ambiguity exists.
func InputsHash(inputs []Hash) Hash {
	var sb strings.Builder
	for _, h := range inputs {
		sb.WriteString(string(h))
		sb.WriteByte('\n')
	}
	return HashBytes([]byte(sb.String()))
}
