// Package taskrunner runs one pure-function task to completion (or pulls
// its cached result), exactly once per invocation, with every side effect
// accounted for. Each spawned process gets its own process group via
// syscall.SysProcAttr{Setpgid: true}; cancellation kills with
// syscall.Kill(-pid, SIGKILL) so the whole subtree dies, not just the
// immediate child.
package taskrunner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/dataflowhq/dataflowd/internal/apperr"
	"github.com/dataflowhq/dataflowd/internal/codec"
	"github.com/dataflowhq/dataflowd/internal/ir"
	"github.com/dataflowhq/dataflowd/internal/logstore"
	"github.com/dataflowhq/dataflowd/internal/model"
	"github.com/dataflowhq/dataflowd/internal/objectstore"
	"github.com/dataflowhq/dataflowd/internal/procident"
	"github.com/dataflowhq/dataflowd/internal/refstore"
)

// State is the terminal (or cached) outcome of one Execute call.
type State string

const (
	Success State = "success"
	Failed  State = "failed"
	Error   State = "error"
)

// Result is what Execute returns.
type Result struct {
	State       State
	Cached      bool
	OutputHash  model.Hash
	ExecutionID string
	ExitCode    int
}

// Options configures one Execute call.
type Options struct {
	// Force skips the cache probe and always re-runs the task.
	Force bool
	// OnStdout/OnStderr, if set, receive each chunk as it is teed to the
	// Log Store. Either may be nil.
	OnStdout func([]byte)
	OnStderr func([]byte)
}

// Runner executes TaskObjects, wired to the stores and collaborators every
// invocation needs.
type Runner struct {
	objects    *objectstore.Store
	refs       *refstore.Store
	logs       *logstore.Store
	evaluator  ir.Evaluator
	ident      procident.Provider
	scratchDir string
	tracer     trace.Tracer
}

// New builds a Runner. scratchDir is the parent directory under which each
// invocation gets its own private, uniquely-named working directory.
func New(objects *objectstore.Store, refs *refstore.Store, logs *logstore.Store, evaluator ir.Evaluator, ident procident.Provider, scratchDir string, tracer trace.Tracer) *Runner {
	return &Runner{
		objects:    objects,
		refs:       refs,
		logs:       logs,
		evaluator:  evaluator,
		ident:      ident,
		scratchDir: scratchDir,
		tracer:     tracer,
	}
}

// Execute runs (or reuses the cached result of) one task over inputHashes.
// ctx cancellation is the task's cancellation signal: cancelling ctx kills
// the spawned process group.
func (r *Runner) Execute(ctx context.Context, repo string, taskHash model.Hash, inputHashes []model.Hash, opts Options) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "taskrunner.execute")
	defer span.End()

	inputsHash := model.InputsHash(inputHashes)

	if !opts.Force {
		if out, err := r.refs.Executions().GetLatestOutput(taskHash, inputsHash); err == nil {
			return Result{State: Success, Cached: true, OutputHash: out}, nil
		} else if !errors.Is(err, apperr.ErrExecutionNotFound) {
			return Result{}, fmt.Errorf("probe execution cache: %w", err)
		}
	}

	executionID, err := uuid.NewV7()
	if err != nil {
		return Result{}, fmt.Errorf("mint execution id: %w", err)
	}

	taskBytes, err := r.objects.Read(ctx, repo, taskHash)
	if err != nil {
		r.writeStatus(taskHash, inputsHash, model.ExecutionStatus{
			ExecutionID: executionID.String(),
			State:       model.ExecutionError,
			InputHashes: inputHashes,
			StartedAt:   time.Now(),
			Message:     fmt.Sprintf("load task object: %v", err),
		})
		return Result{State: Error, ExecutionID: executionID.String()}, nil
	}
	var task model.TaskObject
	if err := codec.JSON().Decode(taskBytes, &task); err != nil {
		r.writeStatus(taskHash, inputsHash, model.ExecutionStatus{
			ExecutionID: executionID.String(),
			State:       model.ExecutionError,
			InputHashes: inputHashes,
			StartedAt:   time.Now(),
			Message:     fmt.Sprintf("decode task object: %v", err),
		})
		return Result{State: Error, ExecutionID: executionID.String()}, nil
	}

	scratch, err := os.MkdirTemp(r.scratchDir, fmt.Sprintf("%s-%s-%d-*", shortHash(taskHash), shortHash(inputsHash), os.Getpid()))
	if err != nil {
		return Result{}, fmt.Errorf("allocate scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	inputPaths := make([]string, len(inputHashes))
	for i, h := range inputHashes {
		b, err := r.objects.Read(ctx, repo, h)
		if err != nil {
			r.writeStatus(taskHash, inputsHash, model.ExecutionStatus{
				ExecutionID: executionID.String(),
				State:       model.ExecutionError,
				InputHashes: inputHashes,
				StartedAt:   time.Now(),
				Message:     fmt.Sprintf("materialize input %d: %v", i, err),
			})
			return Result{State: Error, ExecutionID: executionID.String()}, nil
		}
		p := filepath.Join(scratch, fmt.Sprintf("input-%d", i))
		if err := os.WriteFile(p, b, 0o600); err != nil {
			return Result{}, fmt.Errorf("write scratch input %d: %w", i, err)
		}
		inputPaths[i] = p
	}
	outputPath := filepath.Join(scratch, "output")

	commandIR, err := r.objects.Read(ctx, repo, task.CommandIR)
	if err != nil {
		r.writeStatus(taskHash, inputsHash, model.ExecutionStatus{
			ExecutionID: executionID.String(),
			State:       model.ExecutionError,
			InputHashes: inputHashes,
			StartedAt:   time.Now(),
			Message:     fmt.Sprintf("load command ir: %v", err),
		})
		return Result{State: Error, ExecutionID: executionID.String()}, nil
	}
	argv, err := r.evaluator.Evaluate(ctx, commandIR, inputPaths, outputPath)
	if err != nil || len(argv) == 0 {
		msg := "evaluator returned an empty argv"
		if err != nil {
			msg = fmt.Sprintf("evaluate command ir: %v", err)
		}
		r.writeStatus(taskHash, inputsHash, model.ExecutionStatus{
			ExecutionID: executionID.String(),
			State:       model.ExecutionError,
			InputHashes: inputHashes,
			StartedAt:   time.Now(),
			Message:     msg,
		})
		return Result{State: Error, ExecutionID: executionID.String()}, nil
	}

	identity, err := r.ident.Current()
	if err != nil {
		return Result{}, fmt.Errorf("read process identity: %w", err)
	}
	startedAt := time.Now()
	r.writeStatus(taskHash, inputsHash, model.ExecutionStatus{
		ExecutionID:  executionID.String(),
		State:        model.ExecutionRunning,
		InputHashes:  inputHashes,
		StartedAt:    startedAt,
		PID:          identity.Pid,
		PIDStartTime: identity.PIDStartTime,
		BootID:       identity.BootID,
		Host:         identity.Host,
	})

	exitCode, runErr := r.run(ctx, repo, taskHash, inputsHash, executionID.String(), argv, task.Timeout, opts)
	if runErr != nil {
		r.writeStatus(taskHash, inputsHash, model.ExecutionStatus{
			ExecutionID: executionID.String(),
			State:       model.ExecutionError,
			InputHashes: inputHashes,
			StartedAt:   startedAt,
			CompletedAt: time.Now(),
			Message:     runErr.Error(),
		})
		return Result{State: Error, ExecutionID: executionID.String()}, nil
	}

	if exitCode != 0 {
		r.writeStatus(taskHash, inputsHash, model.ExecutionStatus{
			ExecutionID: executionID.String(),
			State:       model.ExecutionFailed,
			InputHashes: inputHashes,
			StartedAt:   startedAt,
			CompletedAt: time.Now(),
			ExitCode:    exitCode,
		})
		return Result{State: Failed, ExecutionID: executionID.String(), ExitCode: exitCode}, nil
	}

	outBytes, err := os.ReadFile(outputPath)
	if err != nil {
		r.writeStatus(taskHash, inputsHash, model.ExecutionStatus{
			ExecutionID: executionID.String(),
			State:       model.ExecutionError,
			InputHashes: inputHashes,
			StartedAt:   startedAt,
			CompletedAt: time.Now(),
			Message:     fmt.Sprintf("read output: %v", err),
		})
		return Result{State: Error, ExecutionID: executionID.String()}, nil
	}
	outputHash, err := r.objects.Write(ctx, repo, outBytes)
	if err != nil {
		return Result{}, fmt.Errorf("write output blob: %w", err)
	}
	r.writeStatus(taskHash, inputsHash, model.ExecutionStatus{
		ExecutionID: executionID.String(),
		State:       model.ExecutionSuccess,
		InputHashes: inputHashes,
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
		OutputHash:  outputHash,
	})
	return Result{State: Success, Cached: false, OutputHash: outputHash, ExecutionID: executionID.String()}, nil
}

func (r *Runner) writeStatus(taskHash, inputsHash model.Hash, status model.ExecutionStatus) {
	// A status-write failure here must not mask the task's actual outcome;
	// it is surfaced only through tracing/metrics in a full deployment.
	_ = r.refs.Executions().Write(taskHash, inputsHash, status)
}

// run spawns argv as a new process group, tees its stdout/stderr to the Log
// Store (and optional callbacks), enforces timeout/cancellation by killing
// the group, and returns the process's exit code.
func (r *Runner) run(ctx context.Context, repo string, taskHash, inputsHash model.Hash, executionID string, argv []string, timeout time.Duration, opts Options) (int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start process: %w", err)
	}

	var pumpDone = make(chan struct{}, 2)
	go r.pump(ctx, repo, taskHash, inputsHash, executionID, logstore.Stdout, stdout, opts.OnStdout, pumpDone)
	go r.pump(ctx, repo, taskHash, inputsHash, executionID, logstore.Stderr, stderr, opts.OnStderr, pumpDone)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	killed := false
	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		killGroup(cmd)
		killed = true
		waitErr = <-waitDone
	case <-timeoutCh:
		killGroup(cmd)
		killed = true
		waitErr = <-waitDone
	}

	<-pumpDone
	<-pumpDone

	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if killed {
		return -1, nil
	}
	return 0, fmt.Errorf("wait process: %w", waitErr)
}

// killGroup signals the whole process group, not just the immediate child,
// so descendants spawned by a shell command die too. Idempotent: killing an
// already-dead group simply fails silently.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func (r *Runner) pump(ctx context.Context, repo string, taskHash, inputsHash model.Hash, executionID string, stream logstore.Stream, rc io.Reader, cb func([]byte), done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, 32*1024)
	reader := bufio.NewReader(rc)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			_ = r.logs.Append(ctx, repo, taskHash, inputsHash, executionID, stream, chunk)
			if cb != nil {
				cb(chunk)
			}
		}
		if err != nil {
			break
		}
	}
	_ = r.logs.Complete(ctx, repo, taskHash, inputsHash, executionID, stream)
}

func shortHash(h model.Hash) string {
	s := string(h)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
