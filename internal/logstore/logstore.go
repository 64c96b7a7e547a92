// Package logstore implements an append-only log store: one growing byte
// stream per (taskHash, inputsHash, executionId, stream), over the same
// bbolt-backed persistence idiom used throughout this module.
package logstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dataflowhq/dataflowd/internal/codec"
	"github.com/dataflowhq/dataflowd/internal/model"
)

var bucketLogs = []byte("logs")

// Stream names the two pipes a Task Runner invocation captures.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Window is one paginated read over a log stream.
type Window struct {
	Data      []byte
	Offset    int
	Size      int
	TotalSize int
	Complete  bool
}

type record struct {
	Data     []byte
	Complete bool
}

// Store is the bbolt-backed Log Store. A keyed set of in-process mutexes
// serialises concurrent appends to the same (executionId, stream) so two
// writers can never interleave partial bytes inside one bbolt transaction.
type Store struct {
	db    *bbolt.DB
	codec codec.Codec

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open creates/opens the bbolt-backed log store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLogs)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create logs bucket: %w", err)
	}
	return &Store{db: db, codec: codec.JSON(), locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func logKey(repo string, taskHash, inputsHash model.Hash, executionID string, stream Stream) []byte {
	return []byte(repo + "\x00" + string(taskHash) + "\x00" + string(inputsHash) + "\x00" + executionID + "\x00" + string(stream))
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

// Append adds b to the end of the named stream's log. Concurrent appends to
// the same stream are serialised; appends to different streams proceed
// independently.
func (s *Store) Append(ctx context.Context, repo string, taskHash, inputsHash model.Hash, executionID string, stream Stream, b []byte) error {
	k := logKey(repo, taskHash, inputsHash, executionID, stream)
	mu := s.lockFor(string(k))
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLogs)
		var rec record
		if v := bucket.Get(k); v != nil {
			if err := s.codec.Decode(v, &rec); err != nil {
				return fmt.Errorf("decode log record: %w", err)
			}
		}
		rec.Data = append(rec.Data, b...)
		out, err := s.codec.Encode(rec)
		if err != nil {
			return fmt.Errorf("encode log record: %w", err)
		}
		return bucket.Put(k, out)
	})
}

// Complete marks stream as finished; Read's Window.Complete only becomes
// true once both Complete has been called and the read reaches the end of
// the then-current data.
func (s *Store) Complete(ctx context.Context, repo string, taskHash, inputsHash model.Hash, executionID string, stream Stream) error {
	k := logKey(repo, taskHash, inputsHash, executionID, stream)
	mu := s.lockFor(string(k))
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLogs)
		var rec record
		if v := bucket.Get(k); v != nil {
			if err := s.codec.Decode(v, &rec); err != nil {
				return fmt.Errorf("decode log record: %w", err)
			}
		}
		rec.Complete = true
		out, err := s.codec.Encode(rec)
		if err != nil {
			return fmt.Errorf("encode log record: %w", err)
		}
		return bucket.Put(k, out)
	})
}

// Read returns the byte window [offset, offset+limit) of stream's log. A
// non-positive limit means "read to the current end."
func (s *Store) Read(ctx context.Context, repo string, taskHash, inputsHash model.Hash, executionID string, stream Stream, offset, limit int) (Window, error) {
	k := logKey(repo, taskHash, inputsHash, executionID, stream)
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketLogs).Get(k)
		if v == nil {
			return nil
		}
		return s.codec.Decode(v, &rec)
	})
	if err != nil {
		return Window{}, fmt.Errorf("decode log record: %w", err)
	}

	total := len(rec.Data)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	data := append([]byte(nil), rec.Data[offset:end]...)
	return Window{
		Data:      data,
		Offset:    offset,
		Size:      len(data),
		TotalSize: total,
		// Reaching the current end of the data isn't enough on its own: a
		// still-running task's stream can be read to its current end and
		// grow again on the next Append. Complete also requires that
		// Complete() has been called, so a caller never mistakes "caught up
		// for now" for "this stream will never grow again."
		Complete: rec.Complete && end == total,
	}, nil
}
