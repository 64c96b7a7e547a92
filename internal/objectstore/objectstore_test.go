package objectstore

import (
	"context"
	"path/filepath"
	"testing"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/dataflowhq/dataflowd/internal/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "objects.db")
	s, err := Open(path, metricnoop.NewMeterProvider().Meter("test"), tracenoop.NewTracerProvider().Tracer("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteReadRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.Write(ctx, "repo-a", []byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(ctx, "repo-a", h)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q, want hello", got)
	}
}

func TestWriteIsContentAddressedAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h1, err := s.Write(ctx, "repo-a", []byte("same bytes"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	h2, err := s.Write(ctx, "repo-a", []byte("same bytes"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical content to hash identically, got %q and %q", h1, h2)
	}
}

func TestReadMissingObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Read(ctx, "repo-a", "deadbeef")
	if err != apperr.ErrObjectNotFound {
		t.Fatalf("Read of missing object = %v, want ErrObjectNotFound", err)
	}
}

func TestRepoNamespaceIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.Write(ctx, "repo-a", []byte("scoped"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Read(ctx, "repo-b", h); err != apperr.ErrObjectNotFound {
		t.Fatalf("expected object written to repo-a to be invisible to repo-b, got %v", err)
	}
}

func TestExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.Write(ctx, "repo-a", []byte("present"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	ok, err := s.Exists(ctx, "repo-a", h)
	if err != nil || !ok {
		t.Fatalf("Exists(present) = %v, %v, want true, nil", ok, err)
	}
	ok, err = s.Exists(ctx, "repo-a", "not-there")
	if err != nil || ok {
		t.Fatalf("Exists(absent) = %v, %v, want false, nil", ok, err)
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h1, _ := s.Write(ctx, "repo-a", []byte("one"))
	h2, _ := s.Write(ctx, "repo-a", []byte("two"))
	_, _ = s.Write(ctx, "repo-b", []byte("other repo"))

	hashes, err := s.List(ctx, "repo-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	seen := map[string]bool{}
	for _, h := range hashes {
		seen[string(h)] = true
	}
	if len(hashes) != 2 || !seen[string(h1)] || !seen[string(h2)] {
		t.Fatalf("List(repo-a) = %v, want exactly [%q %q]", hashes, h1, h2)
	}
}

func TestWriteStreamBuffersChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := make(chan []byte, 3)
	chunks <- []byte("ab")
	chunks <- []byte("cd")
	chunks <- []byte("ef")
	close(chunks)

	h, err := s.WriteStream(ctx, "repo-a", chunks)
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	got, err := s.Read(ctx, "repo-a", h)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "abcdef" {
		t.Fatalf("Read = %q, want abcdef", got)
	}
}
