package refstore

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/dataflowhq/dataflowd/internal/apperr"
	"github.com/dataflowhq/dataflowd/internal/model"
)

// WorkspaceStore reads/writes each workspace's current WorkspaceState.
type WorkspaceStore struct{ s *Store }

// Read returns the state for name. A workspace that was never deployed
// still resolves once created: Deployed() on the returned state tells the
// caller whether deploy has happened.
func (w *WorkspaceStore) Read(name string) (model.WorkspaceState, error) {
	var state model.WorkspaceState
	err := w.s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketWorkspaces).Get([]byte(name))
		if v == nil {
			return apperr.ErrWorkspaceNotFound
		}
		if len(v) == 0 {
			state = model.WorkspaceState{PackageName: name}
			return nil
		}
		return w.s.codec.Decode(v, &state)
	})
	return state, err
}

// Write stores the new state for name, overwriting any prior value.
func (w *WorkspaceStore) Write(name string, state model.WorkspaceState) error {
	b, err := w.s.codec.Encode(state)
	if err != nil {
		return fmt.Errorf("encode workspace state: %w", err)
	}
	err = w.s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).Put([]byte(name), b)
	})
	if err != nil {
		return fmt.Errorf("write workspace state: %w", err)
	}
	w.s.recordWrite("workspaces")
	return nil
}

// Remove deletes the workspace record entirely.
func (w *WorkspaceStore) Remove(name string) error {
	return w.s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).Delete([]byte(name))
	})
}

// List returns every known workspace name.
func (w *WorkspaceStore) List() ([]string, error) {
	var names []string
	err := w.s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}
