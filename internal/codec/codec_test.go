package codec

import "testing"

type sample struct {
	A string `json:"a"`
	B int    `json:"b"`
}

func TestJSONEncodeDecodeRoundtrip(t *testing.T) {
	c := JSON()
	b, err := c.Encode(sample{A: "x", B: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out sample
	if err := c.Decode(b, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != (sample{A: "x", B: 1}) {
		t.Fatalf("Decode = %+v, want {x 1}", out)
	}
}

func TestJSONEncodeDeterministicForEqualValues(t *testing.T) {
	c := JSON()
	b1, err := c.Encode(sample{A: "x", B: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b2, err := c.Encode(sample{A: "x", B: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("Encode of equal values produced different bytes: %q vs %q", b1, b2)
	}
}

func TestJSONEncodeDoesNotEscapeHTML(t *testing.T) {
	c := JSON()
	b, err := c.Encode("<tag>&value")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(b) != `"<tag>&value"` {
		t.Fatalf("Encode = %q, want unescaped HTML characters", b)
	}
}

func TestJSONEncodeStripsTrailingNewline(t *testing.T) {
	c := JSON()
	b, err := c.Encode(1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(b) == 0 || b[len(b)-1] == '\n' {
		t.Fatalf("Encode left a trailing newline: %q", b)
	}
}

func TestEncodedNullMatchesEncodeOfNil(t *testing.T) {
	c := JSON()
	b, err := c.Encode(nil)
	if err != nil {
		t.Fatalf("Encode(nil): %v", err)
	}
	if string(b) != string(EncodedNull()) {
		t.Fatalf("Encode(nil) = %q, want %q", b, EncodedNull())
	}
}
