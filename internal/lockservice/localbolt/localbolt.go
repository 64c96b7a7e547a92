// Package localbolt implements lockservice.Strategy over a local bbolt
// database. A holder is presumed dead (and its lock reclaimable) when
// internal/procident reports its pid/start-time/boot-id no longer match a
// live process.
package localbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dataflowhq/dataflowd/internal/lockservice"
	"github.com/dataflowhq/dataflowd/internal/procident"
)

var bucketLocks = []byte("locks")

// Strategy is the bbolt-backed local lockservice.Strategy.
type Strategy struct {
	db    *bbolt.DB
	ident procident.Provider
}

// Open creates/opens the bbolt database at path and returns a Strategy
// using ident to probe holder liveness.
func Open(path string, ident procident.Provider) (*Strategy, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open lock store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLocks)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create locks bucket: %w", err)
	}
	return &Strategy{db: db, ident: ident}, nil
}

func (s *Strategy) Close() error { return s.db.Close() }

func lockKey(repo, resource string) []byte {
	return []byte(repo + "/" + resource)
}

type record struct {
	Holder lockservice.Holder
}

// LocalDescriptor is the holder descriptor encoded into
// lockservice.Holder.Descriptor for locks acquired by this process.
type LocalDescriptor struct {
	Identity procident.Identity
	Command  string
}

// EncodeDescriptor returns the Descriptor string for a local holder.
func EncodeDescriptor(id procident.Identity, command string) (string, error) {
	b, err := json.Marshal(LocalDescriptor{Identity: id, Command: command})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeDescriptor(s string) (LocalDescriptor, error) {
	var d LocalDescriptor
	err := json.Unmarshal([]byte(s), &d)
	return d, err
}

func (s *Strategy) TryAcquire(_ context.Context, repo, resource string, holder lockservice.Holder) (bool, error) {
	var acquired bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		k := lockKey(repo, resource)
		v := bucket.Get(k)
		if v != nil {
			var existing record
			if err := json.Unmarshal(v, &existing); err != nil {
				return fmt.Errorf("decode lock record: %w", err)
			}
			alive, err := s.isAlive(existing.Holder)
			if err != nil {
				return err
			}
			if alive {
				acquired = false
				return nil
			}
			// Holder is dead: fall through and reclaim.
		}
		data, err := json.Marshal(record{Holder: holder})
		if err != nil {
			return fmt.Errorf("encode lock record: %w", err)
		}
		if err := bucket.Put(k, data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *Strategy) Release(_ context.Context, repo, resource string, holder lockservice.Holder) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		k := lockKey(repo, resource)
		v := bucket.Get(k)
		if v == nil {
			return nil // already released
		}
		var existing record
		if err := json.Unmarshal(v, &existing); err != nil {
			return fmt.Errorf("decode lock record: %w", err)
		}
		if existing.Holder.Descriptor != holder.Descriptor {
			return nil // reclaimed by someone else already; not ours to release
		}
		return bucket.Delete(k)
	})
}

func (s *Strategy) GetState(_ context.Context, repo, resource string) (lockservice.State, error) {
	var state lockservice.State
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketLocks).Get(lockKey(repo, resource))
		if v == nil {
			return nil
		}
		var existing record
		if err := json.Unmarshal(v, &existing); err != nil {
			return fmt.Errorf("decode lock record: %w", err)
		}
		state.Locked = true
		state.Holder = existing.Holder
		return nil
	})
	return state, err
}

func (s *Strategy) IsHolderAlive(_ context.Context, holder lockservice.Holder) (bool, error) {
	return s.isAlive(holder)
}

func (s *Strategy) isAlive(holder lockservice.Holder) (bool, error) {
	d, err := decodeDescriptor(holder.Descriptor)
	if err != nil {
		return false, fmt.Errorf("decode holder descriptor: %w", err)
	}
	return s.ident.IsAlive(d.Identity)
}
