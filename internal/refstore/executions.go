package refstore

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/dataflowhq/dataflowd/internal/apperr"
	"github.com/dataflowhq/dataflowd/internal/model"
)

// ExecutionStore tracks every attempt at running a task, keyed by
// (taskHash, inputsHash, executionId). executionId is a UUIDv7, so keys
// within one (taskHash, inputsHash) group sort chronologically — "latest"
// queries need only look at the lexicographically greatest matching key.
type ExecutionStore struct{ s *Store }

func executionKey(taskHash, inputsHash model.Hash, executionID string) []byte {
	return []byte(string(taskHash) + keySep + string(inputsHash) + keySep + executionID)
}

func executionPrefix(taskHash, inputsHash model.Hash) []byte {
	return []byte(string(taskHash) + keySep + string(inputsHash) + keySep)
}

func taskPrefix(taskHash model.Hash) []byte {
	return []byte(string(taskHash) + keySep)
}

// Get returns the recorded status for one specific execution attempt.
func (e *ExecutionStore) Get(taskHash, inputsHash model.Hash, executionID string) (model.ExecutionStatus, error) {
	var status model.ExecutionStatus
	err := e.s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketExecutions).Get(executionKey(taskHash, inputsHash, executionID))
		if v == nil {
			return apperr.ErrExecutionNotFound
		}
		return e.s.codec.Decode(v, &status)
	})
	return status, err
}

// Write records (or overwrites) the status of one execution attempt.
func (e *ExecutionStore) Write(taskHash, inputsHash model.Hash, status model.ExecutionStatus) error {
	b, err := e.s.codec.Encode(status)
	if err != nil {
		return fmt.Errorf("encode execution status: %w", err)
	}
	err = e.s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).Put(executionKey(taskHash, inputsHash, status.ExecutionID), b)
	})
	if err != nil {
		return fmt.Errorf("write execution status: %w", err)
	}
	e.s.recordWrite("executions")
	return nil
}

// ListIds returns every executionId recorded for (taskHash, inputsHash), in
// chronological order.
func (e *ExecutionStore) ListIds(taskHash, inputsHash model.Hash) ([]string, error) {
	prefix := executionPrefix(taskHash, inputsHash)
	var ids []string
	err := e.s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketExecutions).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

// List returns every recorded ExecutionStatus for (taskHash, inputsHash),
// in chronological order.
func (e *ExecutionStore) List(taskHash, inputsHash model.Hash) ([]model.ExecutionStatus, error) {
	prefix := executionPrefix(taskHash, inputsHash)
	var out []model.ExecutionStatus
	err := e.s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketExecutions).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var status model.ExecutionStatus
			if err := e.s.codec.Decode(v, &status); err != nil {
				return err
			}
			out = append(out, status)
		}
		return nil
	})
	return out, err
}

// ListForTask returns every recorded status across all inputsHash groups
// for taskHash, in key order.
func (e *ExecutionStore) ListForTask(taskHash model.Hash) ([]model.ExecutionStatus, error) {
	prefix := taskPrefix(taskHash)
	var out []model.ExecutionStatus
	err := e.s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketExecutions).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var status model.ExecutionStatus
			if err := e.s.codec.Decode(v, &status); err != nil {
				return err
			}
			out = append(out, status)
		}
		return nil
	})
	return out, err
}

// GetLatest returns the most recently written execution attempt for
// (taskHash, inputsHash).
func (e *ExecutionStore) GetLatest(taskHash, inputsHash model.Hash) (model.ExecutionStatus, error) {
	all, err := e.List(taskHash, inputsHash)
	if err != nil {
		return model.ExecutionStatus{}, err
	}
	if len(all) == 0 {
		return model.ExecutionStatus{}, apperr.ErrExecutionNotFound
	}
	return all[len(all)-1], nil
}

// GetLatestOutput decodes every attempt for (taskHash, inputsHash), scans
// them from the most recent downward and returns the output hash of the
// first one that succeeded, or ErrExecutionNotFound if none did.
func (e *ExecutionStore) GetLatestOutput(taskHash, inputsHash model.Hash) (model.Hash, error) {
	all, err := e.List(taskHash, inputsHash)
	if err != nil {
		return "", err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].State == model.ExecutionSuccess {
			return all[i].OutputHash, nil
		}
	}
	return "", apperr.ErrExecutionNotFound
}
