package dataflow

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/dataflowhq/dataflowd/internal/model"
	"github.com/dataflowhq/dataflowd/internal/refstore"
)

func newTestRefs(t *testing.T) *refstore.Store {
	t.Helper()
	refs, err := refstore.Open(filepath.Join(t.TempDir(), "refs.db"), metricnoop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("refstore.Open: %v", err)
	}
	t.Cleanup(func() { refs.Close() })
	return refs
}

func TestRunTrackerAppendFansOutToPublisher(t *testing.T) {
	var mu sync.Mutex
	var got []model.Event
	publish := func(workspace, runID string, ev model.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	}

	tracker := newRunTracker(model.DataflowRun{RunID: "run-1", Workspace: "ws-1", Status: model.RunRunning}, publish)
	tracker.append(model.Event{Kind: model.EventStart, Task: "t1"})
	tracker.append(model.Event{Kind: model.EventComplete, Task: "t1"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("publisher received %d events, want 2", len(got))
	}

	snap := tracker.snapshot()
	if snap.TotalEvents != 2 || len(snap.Events) != 2 {
		t.Fatalf("snapshot = %+v, want 2 recorded events", snap)
	}
}

func TestRunTrackerSnapshotIsADefensiveCopy(t *testing.T) {
	tracker := newRunTracker(model.DataflowRun{RunID: "run-1", Workspace: "ws-1"}, nil)
	tracker.append(model.Event{Kind: model.EventStart, Task: "t1"})

	snap := tracker.snapshot()
	snap.Events[0].Task = "mutated"

	snap2 := tracker.snapshot()
	if snap2.Events[0].Task != "t1" {
		t.Fatalf("mutating a snapshot's Events slice leaked into the tracker: got %q", snap2.Events[0].Task)
	}
}

func TestRunTrackerFlushPersistsOnlyWhenDirty(t *testing.T) {
	refs := newTestRefs(t)
	tracker := newRunTracker(model.DataflowRun{RunID: "run-1", Workspace: "ws-1", Status: model.RunRunning}, nil)

	tracker.flushIfDirty(refs)
	if _, err := refs.Runs().Get("ws-1", "run-1"); err == nil {
		t.Fatalf("expected no persisted run before any dirty state")
	}

	tracker.append(model.Event{Kind: model.EventStart, Task: "t1"})
	tracker.flushIfDirty(refs)

	stored, err := refs.Runs().Get("ws-1", "run-1")
	if err != nil {
		t.Fatalf("Get after flush: %v", err)
	}
	if stored.TotalEvents != 1 {
		t.Fatalf("persisted run TotalEvents = %d, want 1", stored.TotalEvents)
	}
}

func TestRunTrackerStartStopFlushingPersistsFinalState(t *testing.T) {
	refs := newTestRefs(t)
	tracker := newRunTracker(model.DataflowRun{RunID: "run-1", Workspace: "ws-1", Status: model.RunRunning}, nil)
	tracker.startFlushing(refs)

	tracker.append(model.Event{Kind: model.EventStart, Task: "t1"})
	tracker.setTerminal(model.RunCompleted, &model.RunSummary{Executed: 1, Success: true}, time.Now())
	tracker.stopFlushing()

	stored, err := refs.Runs().Get("ws-1", "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != model.RunCompleted || stored.Summary == nil || !stored.Summary.Success {
		t.Fatalf("stored run = %+v, want terminal completed+success", stored)
	}
}
