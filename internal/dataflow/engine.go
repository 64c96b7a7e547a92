package dataflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/dataflowhq/dataflowd/internal/apperr"
	"github.com/dataflowhq/dataflowd/internal/codec"
	"github.com/dataflowhq/dataflowd/internal/lockservice"
	"github.com/dataflowhq/dataflowd/internal/logstore"
	"github.com/dataflowhq/dataflowd/internal/model"
	"github.com/dataflowhq/dataflowd/internal/objectstore"
	"github.com/dataflowhq/dataflowd/internal/refstore"
	"github.com/dataflowhq/dataflowd/internal/taskrunner"
)

const defaultConcurrency = 4

// EventPublisher is called once per emitted Event, additive to the durable
// DataflowRun record — typically wired to a NATS publish so an external
// watcher can subscribe instead of polling dataflowExecution. A nil
// publisher, or one that errors, never affects scheduling.
type EventPublisher func(workspace, runID string, ev model.Event)

// Engine is the dataflow scheduler over the object store, ref store, lock
// service, log store, and task runner.
type Engine struct {
	objects *objectstore.Store
	refs    *refstore.Store
	locks   *lockservice.Service
	runner  *taskrunner.Runner
	logs    *logstore.Store

	holderFactory func() (lockservice.Holder, error)
	publish       EventPublisher
	tracer        trace.Tracer

	cancels *cancelRegistry
}

// NewEngine wires an Engine. holderFactory builds this process's lock
// holder descriptor in whatever encoding the chosen lockservice.Strategy
// expects — the Engine never needs to know which strategy is in play.
// publish is optional (nil disables the additive event-bus fan-out). logs
// backs TaskLogs; it is the same Log Store instance the Task Runner writes
// to, so a read always sees whatever that task's latest execution has
// appended so far.
func NewEngine(objects *objectstore.Store, refs *refstore.Store, locks *lockservice.Service, runner *taskrunner.Runner, logs *logstore.Store, holderFactory func() (lockservice.Holder, error), publish EventPublisher, tracer trace.Tracer) *Engine {
	return &Engine{
		objects:       objects,
		refs:          refs,
		locks:         locks,
		runner:        runner,
		logs:          logs,
		holderFactory: holderFactory,
		publish:       publish,
		tracer:        tracer,
		cancels:       newCancelRegistry(),
	}
}

// ExecuteOptions configures dataflowExecute/dataflowStart.
type ExecuteOptions struct {
	Force       bool
	Filter      string
	Concurrency int
	// Lock, if set, is a caller-held workspace lock the Engine must use
	// without releasing — "callers may pre-acquire and pass an external
	// handle."
	Lock *lockservice.Handle
}

// Counts tallies one run's task outcomes.
type Counts struct {
	Executed int
	Cached   int
	Failed   int
	Skipped  int
}

// ExecuteResult is dataflowExecute's blocking return value.
type ExecuteResult struct {
	Tasks   map[string]string // task name -> terminal state: success | failed | skipped
	Counts  Counts
	Success bool
}

// ExecutionState is dataflowExecution's return value.
type ExecutionState struct {
	Status      model.RunState
	Summary     *model.RunSummary
	Events      []model.Event
	TotalEvents int
}

// TaskView is one entry of dataflowGetGraph's result.
type TaskView struct {
	Name      string
	Hash      model.Hash
	Inputs    []string
	Output    string
	DependsOn []string
}

// GraphView is dataflowGetGraph's return value.
type GraphView struct {
	Tasks []TaskView
}

func (e *Engine) loadGraph(ctx context.Context, repo, workspace string) (*Graph, model.WorkspaceState, error) {
	ws, err := e.refs.Workspaces().Read(workspace)
	if err != nil {
		return nil, model.WorkspaceState{}, err
	}
	if ws.PackageHash == "" {
		return nil, ws, apperr.ErrWorkspaceNotDeployed
	}
	pkgBytes, err := e.objects.Read(ctx, repo, ws.PackageHash)
	if err != nil {
		return nil, ws, fmt.Errorf("load package object: %w", err)
	}
	var pkg model.PackageObject
	if err := codec.JSON().Decode(pkgBytes, &pkg); err != nil {
		return nil, ws, fmt.Errorf("decode package object: %w", err)
	}
	g, err := BuildGraph(ctx, e.objects, repo, pkg)
	if err != nil {
		return nil, ws, err
	}
	return g, ws, nil
}

// dataflowGetGraph returns the resolved task graph for workspace.
func (e *Engine) GetGraph(ctx context.Context, repo, workspace string) (GraphView, error) {
	g, _, err := e.loadGraph(ctx, repo, workspace)
	if err != nil {
		return GraphView{}, err
	}
	view := GraphView{Tasks: make([]TaskView, 0, len(g.Order))}
	for _, name := range g.Order {
		n := g.Tasks[name]
		inputs := make([]string, len(n.Inputs))
		for i, p := range n.Inputs {
			inputs[i] = p.String()
		}
		view.Tasks = append(view.Tasks, TaskView{
			Name: name, Hash: n.TaskHash, Inputs: inputs, Output: n.Output.String(), DependsOn: n.DependsOn,
		})
	}
	return view, nil
}

func (e *Engine) acquireWorkspaceLock(ctx context.Context, repo, workspace string) (*lockservice.Handle, error) {
	holder, err := e.holderFactory()
	if err != nil {
		return nil, fmt.Errorf("build lock holder: %w", err)
	}
	h, err := e.locks.Acquire(ctx, repo, lockservice.WorkspaceResource(workspace), lockservice.DataflowLockTag, holder, lockservice.AcquireOptions{})
	if err != nil {
		if errors.Is(err, lockservice.ErrUnavailable) {
			return nil, fmt.Errorf("workspace is running another dataflow: %w", apperr.ErrWorkspaceLocked)
		}
		return nil, err
	}
	return h, nil
}

// Execute is dataflowExecute: blocking, runs the workspace's graph to
// completion (or abort) and returns the full task-state vector.
func (e *Engine) Execute(ctx context.Context, repo, workspace string, opts ExecuteOptions) (ExecuteResult, error) {
	g, ws, err := e.loadGraph(ctx, repo, workspace)
	if err != nil {
		return ExecuteResult{}, err
	}
	if opts.Filter != "" {
		if _, ok := g.Tasks[opts.Filter]; !ok {
			return ExecuteResult{}, apperr.ErrTaskNotFound
		}
	}

	handle := opts.Lock
	ownLock := handle == nil
	if ownLock {
		h, err := e.acquireWorkspaceLock(ctx, repo, workspace)
		if err != nil {
			return ExecuteResult{}, err
		}
		handle = h
	}
	defer func() {
		if ownLock {
			_ = e.locks.Release(ctx, handle)
		}
	}()

	runID, err := uuid.NewV7()
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("mint run id: %w", err)
	}
	tracker := newRunTracker(model.DataflowRun{RunID: runID.String(), Workspace: workspace, StartedAt: time.Now(), Status: model.RunRunning}, e.publish)
	tracker.startFlushing(e.refs)
	defer tracker.stopFlushing()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancels.Register(workspace, cancel)
	defer e.cancels.Clear(workspace)
	defer cancel()

	rootHash := ws.RootHash
	tasks, counts, loopErr := e.runLoop(runCtx, repo, g, tracker, opts, &rootHash)
	e.persistRoot(workspace, ws, rootHash)

	if loopErr != nil {
		var aborted *apperr.DataflowAborted
		if errors.As(loopErr, &aborted) {
			tracker.setTerminal(model.RunAborted, nil, time.Now())
			return ExecuteResult{}, loopErr
		}
		tracker.setTerminal(model.RunFailed, nil, time.Now())
		return ExecuteResult{}, loopErr
	}

	success := counts.Failed == 0 && counts.Skipped == 0
	tracker.setTerminal(model.RunCompleted, &model.RunSummary{Executed: counts.Executed, Cached: counts.Cached, Failed: counts.Failed, Skipped: counts.Skipped, Success: success}, time.Now())

	return ExecuteResult{Tasks: tasks, Counts: counts, Success: success}, nil
}

// Start is dataflowStart: non-blocking, acquires the lock synchronously and
// then drives the run loop on a background goroutine.
func (e *Engine) Start(ctx context.Context, repo, workspace string, opts ExecuteOptions) (string, error) {
	g, ws, err := e.loadGraph(ctx, repo, workspace)
	if err != nil {
		return "", err
	}
	if opts.Filter != "" {
		if _, ok := g.Tasks[opts.Filter]; !ok {
			return "", apperr.ErrTaskNotFound
		}
	}

	handle := opts.Lock
	ownLock := handle == nil
	if ownLock {
		h, err := e.acquireWorkspaceLock(ctx, repo, workspace)
		if err != nil {
			return "", err
		}
		handle = h
	}

	runID, err := uuid.NewV7()
	if err != nil {
		if ownLock {
			_ = e.locks.Release(ctx, handle)
		}
		return "", fmt.Errorf("mint run id: %w", err)
	}
	tracker := newRunTracker(model.DataflowRun{RunID: runID.String(), Workspace: workspace, StartedAt: time.Now(), Status: model.RunRunning}, e.publish)
	tracker.startFlushing(e.refs)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancels.Register(workspace, cancel)

	go func() {
		defer tracker.stopFlushing()
		defer e.cancels.Clear(workspace)
		if ownLock {
			defer func() { _ = e.locks.Release(context.Background(), handle) }()
		}
		defer cancel()

		rootHash := ws.RootHash
		_, counts, loopErr := e.runLoop(runCtx, repo, g, tracker, opts, &rootHash)
		e.persistRoot(workspace, ws, rootHash)
		if loopErr != nil {
			var aborted *apperr.DataflowAborted
			if errors.As(loopErr, &aborted) {
				tracker.setTerminal(model.RunAborted, nil, time.Now())
			} else {
				tracker.setTerminal(model.RunFailed, nil, time.Now())
			}
			return
		}
		success := counts.Failed == 0 && counts.Skipped == 0
		tracker.setTerminal(model.RunCompleted, &model.RunSummary{Executed: counts.Executed, Cached: counts.Cached, Failed: counts.Failed, Skipped: counts.Skipped, Success: success}, time.Now())
	}()

	return runID.String(), nil
}

// Execution is dataflowExecution: reads back the latest run for workspace.
func (e *Engine) Execution(ctx context.Context, workspace string, offset, limit int) (ExecutionState, error) {
	run, err := e.refs.Runs().GetLatest(workspace)
	if err != nil {
		return ExecutionState{}, err
	}
	total := len(run.Events)
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
	return ExecutionState{
		Status:      run.Status,
		Summary:     run.Summary,
		Events:      append([]model.Event(nil), run.Events[offset:end]...),
		TotalEvents: run.TotalEvents,
	}, nil
}

// TaskLogs is dataflowTaskLogs: resolves task's current (taskHash,
// inputsHash) pair against workspace's data tree, finds its latest recorded
// execution, and returns a paginated window over that execution's stream.
// Returns apperr.ErrTaskNotFound for an unknown task and
// apperr.ErrExecutionNotFound both when the task has never run against its
// current inputs and when one of its inputs is itself still unassigned.
func (e *Engine) TaskLogs(ctx context.Context, repo, workspace, task string, stream logstore.Stream, offset, limit int) (logstore.Window, error) {
	g, ws, err := e.loadGraph(ctx, repo, workspace)
	if err != nil {
		return logstore.Window{}, err
	}
	node, ok := g.Tasks[task]
	if !ok {
		return logstore.Window{}, apperr.ErrTaskNotFound
	}

	inputHashes := make([]model.Hash, len(node.Inputs))
	for i, p := range node.Inputs {
		ref, err := resolvePath(ctx, e.objects, repo, ws.RootHash, p)
		if err != nil {
			return logstore.Window{}, fmt.Errorf("resolve input %q of %q: %w", p.String(), task, err)
		}
		if ref.IsUnassigned() {
			return logstore.Window{}, apperr.ErrExecutionNotFound
		}
		if ref.Kind == model.RefNull {
			inputHashes[i] = nullHash
		} else {
			inputHashes[i] = ref.Hash
		}
	}
	inputsHash := model.InputsHash(inputHashes)

	status, err := e.refs.Executions().GetLatest(node.TaskHash, inputsHash)
	if err != nil {
		return logstore.Window{}, err
	}
	return e.logs.Read(ctx, repo, node.TaskHash, inputsHash, status.ExecutionID, stream, offset, limit)
}

// persistRoot writes back the workspace's data-tree root if the run moved
// it, regardless of whether the run completed, failed, or was aborted
// mid-flight — every task that reached a terminal success before
// cancellation already has its output durably recorded via
// copyPathToRoot, and that progress must survive the run.
func (e *Engine) persistRoot(workspace string, ws model.WorkspaceState, rootHash model.Hash) {
	if rootHash == ws.RootHash {
		return
	}
	ws.RootHash = rootHash
	ws.RootUpdatedAt = time.Now()
	_ = e.refs.Workspaces().Write(workspace, ws)
}

// Cancel is dataflowCancel: signals the active run's cancellation token.
func (e *Engine) Cancel(workspace string) error {
	if !e.cancels.Cancel(workspace) {
		return apperr.ErrNoActiveExecution
	}
	return nil
}
