package dataflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dataflowhq/dataflowd/internal/apperr"
	"github.com/dataflowhq/dataflowd/internal/codec"
	"github.com/dataflowhq/dataflowd/internal/model"
	"github.com/dataflowhq/dataflowd/internal/taskrunner"
)

// nullHash is the input hash of a resolved-but-null input: the hash of the
// canonical encoded null blob, so every null input keys the execution cache
// identically, and differently from an unassigned input (which never runs).
var nullHash = model.HashBytes(codec.EncodedNull())

type taskOutcome struct {
	name    string
	started time.Time
	result  taskrunner.Result
	err     error
}

// runLoop is the coordinator: the one place that decides, for each ready
// task, whether to resolve it synchronously (cache hit, unresolved input,
// structural violation — none of which consume a concurrency slot or ever
// emit a "start" event) or to dispatch it to the Task Runner because it is
// genuinely new work. rootHash is read and updated in place as tasks land
// copy-path-to-root writes.
func (e *Engine) runLoop(ctx context.Context, repo string, g *Graph, run *runTracker, opts ExecuteOptions, rootHash *model.Hash) (map[string]string, Counts, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	completed := map[string]bool{}
	failed := map[string]bool{}
	skipped := map[string]bool{}
	running := map[string]bool{}
	tasks := map[string]string{}
	var counts Counts

	resultCh := make(chan taskOutcome, concurrency)
	inFlight := 0

	appendEvent := run.append

	cascadeSkip := func(fromTask, reason string) {
		for _, dep := range DependentsToSkip(g, fromTask, completed, skipped) {
			skipped[dep] = true
			tasks[dep] = "skipped"
			counts.Skipped++
			appendEvent(model.Event{Kind: model.EventInputUnavailable, Task: dep, Reason: reason})
		}
	}

	handleOutcome := func(o taskOutcome) error {
		delete(running, o.name)
		if o.err != nil {
			failed[o.name] = true
			tasks[o.name] = "failed"
			counts.Failed++
			appendEvent(model.Event{Kind: model.EventFailed, Task: o.name, Duration: time.Since(o.started), Reason: o.err.Error()})
			cascadeSkip(o.name, fmt.Sprintf("upstream task %q errored", o.name))
			return nil
		}
		switch o.result.State {
		case taskrunner.Success:
			newRoot, err := copyPathToRoot(ctx, e.objects, repo, *rootHash, g.Tasks[o.name].Output, model.Value(o.result.OutputHash))
			if err != nil {
				return fmt.Errorf("record output of %q: %w", o.name, err)
			}
			*rootHash = newRoot
			completed[o.name] = true
			tasks[o.name] = "success"
			counts.Executed++
			appendEvent(model.Event{Kind: model.EventComplete, Task: o.name, OutputHash: o.result.OutputHash, Duration: time.Since(o.started)})
		case taskrunner.Failed:
			failed[o.name] = true
			tasks[o.name] = "failed"
			counts.Failed++
			appendEvent(model.Event{Kind: model.EventFailed, Task: o.name, ExitCode: o.result.ExitCode, Duration: time.Since(o.started)})
			cascadeSkip(o.name, fmt.Sprintf("upstream task %q failed", o.name))
		default: // taskrunner.Error
			failed[o.name] = true
			tasks[o.name] = "failed"
			counts.Failed++
			appendEvent(model.Event{Kind: model.EventFailed, Task: o.name, Duration: time.Since(o.started), Reason: "task runner error"})
			cascadeSkip(o.name, fmt.Sprintf("upstream task %q errored", o.name))
		}
		return nil
	}

	abort := func() (map[string]string, Counts, error) {
		for inFlight > 0 {
			o := <-resultCh
			inFlight--
			_ = handleOutcome(o)
		}
		appendEvent(model.Event{Kind: model.EventAborted})
		partial := make([]apperr.TaskState, 0, len(tasks))
		for name, st := range tasks {
			if st == "skipped" {
				continue
			}
			partial = append(partial, apperr.TaskState{Task: name, State: st})
		}
		return tasks, counts, &apperr.DataflowAborted{PartialResults: partial}
	}

	for {
		select {
		case <-ctx.Done():
			return abort()
		default:
		}

		// A filtered run dispatches only the named task: its DependsOn is
		// ignored for readiness entirely, and no ancestor is ever run or
		// required. The task's own Inputs are still resolved below against
		// whatever is currently in the workspace tree.
		var ready []string
		if opts.Filter != "" {
			if !completed[opts.Filter] && !failed[opts.Filter] && !skipped[opts.Filter] && !running[opts.Filter] {
				ready = []string{opts.Filter}
			}
		} else {
			ready = Ready(g, completed, failed, skipped, running)
		}
		if len(ready) == 0 && inFlight == 0 {
			return tasks, counts, nil
		}

		progressed := false
		for _, name := range ready {
			node := g.Tasks[name]

			inputHashes := make([]model.Hash, len(node.Inputs))
			unresolved := false
			var violation error
			for i, p := range node.Inputs {
				ref, err := resolvePath(ctx, e.objects, repo, *rootHash, p)
				if err != nil {
					var sv *model.ErrStructuralViolation
					if errors.As(err, &sv) {
						violation = err
						break
					}
					return tasks, counts, fmt.Errorf("resolve input %q of %q: %w", p.String(), name, err)
				}
				if ref.IsUnassigned() {
					unresolved = true
					break
				}
				if ref.Kind == model.RefNull {
					inputHashes[i] = nullHash
				} else {
					inputHashes[i] = ref.Hash
				}
			}

			if violation != nil {
				failed[name] = true
				tasks[name] = "failed"
				counts.Failed++
				appendEvent(model.Event{Kind: model.EventFailed, Task: name, Reason: violation.Error()})
				cascadeSkip(name, violation.Error())
				progressed = true
				continue
			}
			if unresolved {
				skipped[name] = true
				tasks[name] = "skipped"
				counts.Skipped++
				appendEvent(model.Event{Kind: model.EventInputUnavailable, Task: name, Reason: "an upstream input is unassigned"})
				cascadeSkip(name, "an upstream input is unassigned")
				progressed = true
				continue
			}

			inputsHash := model.InputsHash(inputHashes)
			if !opts.Force {
				if outHash, err := e.refs.Executions().GetLatestOutput(node.TaskHash, inputsHash); err == nil {
					newRoot, err := copyPathToRoot(ctx, e.objects, repo, *rootHash, node.Output, model.Value(outHash))
					if err != nil {
						return tasks, counts, fmt.Errorf("record cached output of %q: %w", name, err)
					}
					*rootHash = newRoot
					completed[name] = true
					tasks[name] = "success"
					counts.Cached++
					appendEvent(model.Event{Kind: model.EventCached, Task: name, OutputHash: outHash})
					progressed = true
					continue
				} else if !errors.Is(err, apperr.ErrExecutionNotFound) {
					return tasks, counts, fmt.Errorf("probe execution cache for %q: %w", name, err)
				}
			}

			if inFlight >= concurrency {
				continue // leave ready for a later round once a slot frees up
			}

			running[name] = true
			inFlight++
			progressed = true
			appendEvent(model.Event{Kind: model.EventStart, Task: name})

			started := time.Now()
			taskHash := node.TaskHash
			go func(name string) {
				res, err := e.runner.Execute(ctx, repo, taskHash, inputHashes, taskrunner.Options{Force: opts.Force})
				resultCh <- taskOutcome{name: name, started: started, result: res, err: err}
			}(name)
		}

		if inFlight > 0 {
			select {
			case o := <-resultCh:
				inFlight--
				if err := handleOutcome(o); err != nil {
					return tasks, counts, err
				}
			case <-ctx.Done():
				return abort()
			}
			continue
		}
		if !progressed {
			// A validated-acyclic graph should never deadlock here; this is
			// a defensive stop to avoid spinning forever if it somehow does.
			return tasks, counts, fmt.Errorf("%w: no ready task could be advanced", apperr.ErrInvalidState)
		}
	}
}
