// Package objectstore implements a content-addressed object store: immutable
// blobs keyed by their sha256 digest, persisted in a bbolt-backed repository
// namespace.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dataflowhq/dataflowd/internal/apperr"
	"github.com/dataflowhq/dataflowd/internal/model"
)

var bucketObjects = []byte("objects")

// Store is a bbolt-backed Object Store. One Store instance holds objects
// for every "repo" namespace, each repo keyed by a byte prefix within the
// shared bucket — bbolt has no notion of a nested top-level DB, so repo
// isolation is expressed as a key prefix rather than a separate bucket per
// repo (a single dataflowd process typically serves one repo in practice).
type Store struct {
	db     *bbolt.DB
	tracer trace.Tracer

	writeLatency metric.Float64Histogram
	writeCount   metric.Int64Counter
}

// Open creates/opens the bbolt-backed object store at path.
func Open(path string, meter metric.Meter, tracer trace.Tracer) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create objects bucket: %w", err)
	}
	writeLatency, _ := meter.Float64Histogram("dataflow_objectstore_write_ms")
	writeCount, _ := meter.Int64Counter("dataflow_objectstore_writes_total")
	return &Store{db: db, tracer: tracer, writeLatency: writeLatency, writeCount: writeCount}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func key(repo string, h model.Hash) []byte {
	return []byte(repo + "/" + string(h))
}

// Write persists b under its content hash. Idempotent: writing the same
// bytes twice produces the same Hash and the second write is a cheap no-op
// (bbolt's transactional Put already makes a partial write unobservable —
// a transaction either commits in full or not at all).
func (s *Store) Write(ctx context.Context, repo string, b []byte) (model.Hash, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "objectstore.write")
	defer span.End()

	h := model.HashBytes(b)
	span.SetAttributes(attribute.String("hash", string(h)))

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		k := key(repo, h)
		if bucket.Get(k) != nil {
			return nil // already present, identical bytes by definition of Hash
		}
		return bucket.Put(k, b)
	})
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	s.writeCount.Add(ctx, 1)
	if err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	return h, nil
}

// WriteStream consumes chunks, buffering them before computing the content
// hash and committing a single write — bbolt transactions are not
// streaming, so unlike a filesystem backend's stage-then-rename this
// necessarily buffers in memory, acceptable for the dataset sizes this
// engine targets (scratch-file outputs, not multi-GB blobs).
func (s *Store) WriteStream(ctx context.Context, repo string, chunks <-chan []byte) (model.Hash, error) {
	var buf []byte
	for chunk := range chunks {
		buf = append(buf, chunk...)
	}
	return s.Write(ctx, repo, buf)
}

// WriteReader reads r to the end and stores the bytes with Write.
func (s *Store) WriteReader(ctx context.Context, repo string, r io.Reader) (model.Hash, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object source: %w", err)
	}
	return s.Write(ctx, repo, b)
}

// Read returns the bytes stored under hash, or ErrObjectNotFound.
func (s *Store) Read(ctx context.Context, repo string, h model.Hash) ([]byte, error) {
	_, span := s.tracer.Start(ctx, "objectstore.read")
	defer span.End()

	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		v := bucket.Get(key(repo, h))
		if v == nil {
			return apperr.ErrObjectNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Exists reports whether h is present in repo.
func (s *Store) Exists(ctx context.Context, repo string, h model.Hash) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketObjects).Get(key(repo, h)) != nil
		return nil
	})
	return found, err
}

// List returns every hash stored for repo.
func (s *Store) List(ctx context.Context, repo string) ([]model.Hash, error) {
	prefix := []byte(repo + "/")
	var out []model.Hash
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketObjects).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			out = append(out, model.Hash(k[len(prefix):]))
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
