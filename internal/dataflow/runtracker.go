package dataflow

import (
	"sync"
	"time"

	"github.com/dataflowhq/dataflowd/internal/model"
	"github.com/dataflowhq/dataflowd/internal/refstore"
)

// flushInterval bounds how stale a dataflowExecution read of an in-flight
// run can be; event appends themselves only ever touch an in-memory mutex,
// so dispatch never blocks on a Ref Store write.
const flushInterval = 250 * time.Millisecond

// runTracker is the single owner of one DataflowRun's mutable state.
// runLoop appends events through it, and each append is handed to publish
// (if set) inline, outside the lock; a background goroutine periodically
// persists a consistent snapshot to the Ref Store, so dispatch never waits
// on a storage write.
type runTracker struct {
	mu      sync.Mutex
	run     model.DataflowRun
	dirty   bool
	publish EventPublisher

	stopCh chan struct{}
	doneCh chan struct{}
}

func newRunTracker(run model.DataflowRun, publish EventPublisher) *runTracker {
	return &runTracker{run: run, publish: publish, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// append records ev against the run and, if a publisher is configured, fans
// it out outside the lock.
func (t *runTracker) append(ev model.Event) {
	ev.At = time.Now()
	t.mu.Lock()
	t.run.Events = append(t.run.Events, ev)
	t.run.TotalEvents++
	t.dirty = true
	workspace, runID := t.run.Workspace, t.run.RunID
	t.mu.Unlock()

	if t.publish != nil {
		t.publish(workspace, runID, ev)
	}
}

// setTerminal records the run's final status/summary.
func (t *runTracker) setTerminal(status model.RunState, summary *model.RunSummary, completedAt time.Time) {
	t.mu.Lock()
	t.run.Status = status
	t.run.Summary = summary
	t.run.CompletedAt = completedAt
	t.dirty = true
	t.mu.Unlock()
}

func (t *runTracker) snapshot() model.DataflowRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.run
	snap.Events = append([]model.Event(nil), t.run.Events...)
	return snap
}

// startFlushing launches the periodic persister; stopFlushing blocks until
// one final flush has landed.
func (t *runTracker) startFlushing(refs *refstore.Store) {
	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.flushIfDirty(refs)
			case <-t.stopCh:
				t.flushIfDirty(refs)
				return
			}
		}
	}()
}

func (t *runTracker) flushIfDirty(refs *refstore.Store) {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return
	}
	t.dirty = false
	snap := t.run
	snap.Events = append([]model.Event(nil), t.run.Events...)
	t.mu.Unlock()
	_ = refs.Runs().Write(snap)
}

func (t *runTracker) stopFlushing() {
	close(t.stopCh)
	<-t.doneCh
}
