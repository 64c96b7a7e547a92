package refstore

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/dataflowhq/dataflowd/internal/apperr"
	"github.com/dataflowhq/dataflowd/internal/model"
)

// RunStore tracks each dataflowExecute/dataflowStart invocation, keyed by
// (workspace, runId). runId is a UUIDv7, so keys for one workspace sort
// chronologically.
type RunStore struct{ s *Store }

func runKey(workspace, runID string) []byte {
	return []byte(workspace + keySep + runID)
}

func workspaceRunPrefix(workspace string) []byte {
	return []byte(workspace + keySep)
}

// Get returns the recorded run for (workspace, runId).
func (r *RunStore) Get(workspace, runID string) (model.DataflowRun, error) {
	var run model.DataflowRun
	err := r.s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketDataflowRuns).Get(runKey(workspace, runID))
		if v == nil {
			return apperr.ErrRunNotFound
		}
		return r.s.codec.Decode(v, &run)
	})
	return run, err
}

// Write records (or overwrites) the full state of one run.
func (r *RunStore) Write(run model.DataflowRun) error {
	b, err := r.s.codec.Encode(run)
	if err != nil {
		return fmt.Errorf("encode dataflow run: %w", err)
	}
	err = r.s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDataflowRuns).Put(runKey(run.Workspace, run.RunID), b)
	})
	if err != nil {
		return fmt.Errorf("write dataflow run: %w", err)
	}
	r.s.recordWrite("dataflow-runs")
	return nil
}

// List returns every run recorded for workspace, oldest first.
func (r *RunStore) List(workspace string) ([]model.DataflowRun, error) {
	prefix := workspaceRunPrefix(workspace)
	var out []model.DataflowRun
	err := r.s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDataflowRuns).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var run model.DataflowRun
			if err := r.s.codec.Decode(v, &run); err != nil {
				return err
			}
			out = append(out, run)
		}
		return nil
	})
	return out, err
}

// GetLatest returns the most recently written run for workspace.
func (r *RunStore) GetLatest(workspace string) (model.DataflowRun, error) {
	all, err := r.List(workspace)
	if err != nil {
		return model.DataflowRun{}, err
	}
	if len(all) == 0 {
		return model.DataflowRun{}, apperr.ErrRunNotFound
	}
	return all[len(all)-1], nil
}

// Delete removes a recorded run, e.g. during retention sweeps.
func (r *RunStore) Delete(workspace, runID string) error {
	return r.s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDataflowRuns).Delete(runKey(workspace, runID))
	})
}
