package model

import "testing"

func TestHashBytesDeterministic(t *testing.T) {
	a := HashBytes([]byte("payload"))
	b := HashBytes([]byte("payload"))
	if a != b {
		t.Fatalf("expected equal hashes, got %q and %q", a, b)
	}
	if HashBytes([]byte("other")) == a {
		t.Fatalf("expected different payloads to hash differently")
	}
}

func TestHashValid(t *testing.T) {
	h := HashBytes([]byte("x"))
	if !h.Valid() {
		t.Fatalf("expected %q to be a valid hash", h)
	}
	if Hash("not-a-hash").Valid() {
		t.Fatalf("expected short non-hex string to be invalid")
	}
	if Hash("Z" + string(h[1:])).Valid() {
		t.Fatalf("expected uppercase-leading string to be invalid")
	}
}

func TestHashShardPath(t *testing.T) {
	h := Hash("abcd1234")
	if got := h.ShardPath(); got != "ab/cd1234" {
		t.Fatalf("ShardPath = %q, want ab/cd1234", got)
	}
	if got := Hash("a").ShardPath(); got != "a" {
		t.Fatalf("ShardPath of a 1-char hash = %q, want a", got)
	}
}

func TestInputsHashOrderSensitive(t *testing.T) {
	a := InputsHash([]Hash{"aaa", "bbb"})
	b := InputsHash([]Hash{"bbb", "aaa"})
	if a == b {
		t.Fatalf("expected input order to change the cache key")
	}
	c := InputsHash([]Hash{"aaa", "bbb"})
	if a != c {
		t.Fatalf("expected identical ordered inputs to hash identically")
	}
}

func TestInputsHashDistinguishesConcatenationBoundary(t *testing.T) {
	// "aa","bb" must not collide with "aab","b" or similar boundary slips;
	// the newline separator is what prevents that.
	a := InputsHash([]Hash{"aa", "bb"})
	b := InputsHash([]Hash{"aab", "b"})
	if a == b {
		t.Fatalf("expected boundary-distinct input lists to hash differently")
	}
}
