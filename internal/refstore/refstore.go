// Package refstore implements small, mutable, last-write-wins records
// layered over the immutable object store: one bbolt bucket per
// sub-namespace. Execution and run keys end in a UUIDv7 id, so "latest"
// queries read the primary keys of one prefix in order and take the
// greatest; there is no secondary index.
package refstore

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dataflowhq/dataflowd/internal/codec"
)

var (
	bucketPackages     = []byte("packages")
	bucketWorkspaces   = []byte("workspaces")
	bucketExecutions   = []byte("executions")
	bucketDataflowRuns = []byte("dataflow-runs")
)

// Store wraps one bbolt database holding all four Ref Store sub-namespaces.
// Accessed through the Packages/Workspaces/Executions/Runs views below.
type Store struct {
	db    *bbolt.DB
	codec codec.Codec

	writeCount metric.Int64Counter
}

// Open creates/opens the bbolt-backed ref store at path. meter is used to
// instrument every Write across the four sub-namespaces with a single
// counter, tagged by namespace.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ref store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketPackages, bucketWorkspaces, bucketExecutions, bucketDataflowRuns} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ref store buckets: %w", err)
	}
	writeCount, _ := meter.Int64Counter("dataflow_refstore_writes_total")
	return &Store{db: db, codec: codec.JSON(), writeCount: writeCount}, nil
}

// recordWrite increments the write counter for namespace, if instrumented.
func (s *Store) recordWrite(namespace string) {
	if s.writeCount == nil {
		return
	}
	s.writeCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("namespace", namespace)))
}

func (s *Store) Close() error { return s.db.Close() }

// Packages returns the package-resolution view.
func (s *Store) Packages() *PackageStore { return &PackageStore{s: s} }

// Workspaces returns the workspace-state view.
func (s *Store) Workspaces() *WorkspaceStore { return &WorkspaceStore{s: s} }

// Executions returns the task execution-status view.
func (s *Store) Executions() *ExecutionStore { return &ExecutionStore{s: s} }

// Runs returns the dataflow-run view.
func (s *Store) Runs() *RunStore { return &RunStore{s: s} }

const keySep = "\x00"

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
