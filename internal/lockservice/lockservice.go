// Package lockservice implements an advisory lock service: a single
// active holder per (repo, resource), reclaimable once its holder is
// observably dead. The low-level atomic operations are pluggable via
// Strategy (local bbolt vs remote Redis, per internal/lockservice/localbolt
// and internal/lockservice/remoteredis); Service adds the wait=true
// poll-with-backoff behavior on top of either one.
package lockservice

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrUnavailable is returned by Acquire when the resource is held by a live
// holder and the caller did not ask to wait, or waited past its timeout.
var ErrUnavailable = errors.New("lock_unavailable")

// Holder is an opaque, strategy-specific serialization of who holds (or is
// acquiring) a lock — a local process's pid/start-time/boot-id/command, or
// a remote caller's session id.
type Holder struct {
	Descriptor string
	AcquiredAt time.Time
}

// State is a point-in-time read of a lock record.
type State struct {
	Locked bool
	Holder Holder
}

// Handle is returned by a successful Acquire and is the token Release needs.
type Handle struct {
	Repo, Resource, Operation string
	Holder                    Holder
}

// AcquireOptions configures Acquire's blocking behavior.
type AcquireOptions struct {
	Wait    bool
	Timeout time.Duration
}

// Strategy performs the non-retrying, atomic lock primitives against one
// backend. TryAcquire must itself implement the full reclaim-if-dead check
// (steps 1-2 of the acquisition algorithm); Service layers wait/backoff
// (step 3) on top.
type Strategy interface {
	TryAcquire(ctx context.Context, repo, resource string, holder Holder) (acquired bool, err error)
	Release(ctx context.Context, repo, resource string, holder Holder) error
	GetState(ctx context.Context, repo, resource string) (State, error)
	IsHolderAlive(ctx context.Context, holder Holder) (bool, error)
}

// Service is the caller-facing Lock Service: Acquire/Release/GetState/
// IsHolderAlive over one injected Strategy.
type Service struct {
	strategy Strategy
}

// New builds a Service over strategy.
func New(strategy Strategy) *Service {
	return &Service{strategy: strategy}
}

// Acquire attempts to take the lock on (repo, resource) for operation,
// tagging the resulting Handle with the caller's Holder. With opts.Wait
// unset (the default), a held lock fails immediately with ErrUnavailable;
// with opts.Wait set, Acquire polls with exponential backoff until
// opts.Timeout elapses.
func (s *Service) Acquire(ctx context.Context, repo, resource, operation string, holder Holder, opts AcquireOptions) (*Handle, error) {
	ok, err := s.strategy.TryAcquire(ctx, repo, resource, holder)
	if err != nil {
		return nil, err
	}
	if ok {
		return &Handle{Repo: repo, Resource: resource, Operation: operation, Holder: holder}, nil
	}
	if !opts.Wait {
		return nil, ErrUnavailable
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = opts.Timeout
	bounded := backoff.WithContext(bo, ctx)

	for {
		d := bounded.NextBackOff()
		if d == backoff.Stop {
			return nil, ErrUnavailable
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		ok, err := s.strategy.TryAcquire(ctx, repo, resource, holder)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Handle{Repo: repo, Resource: resource, Operation: operation, Holder: holder}, nil
		}
	}
}

// Release gives up h's lock. Idempotent: releasing a lock already released,
// or already reclaimed by a different holder, is not an error.
func (s *Service) Release(ctx context.Context, h *Handle) error {
	return s.strategy.Release(ctx, h.Repo, h.Resource, h.Holder)
}

// GetState reads the current lock record for (repo, resource).
func (s *Service) GetState(ctx context.Context, repo, resource string) (State, error) {
	return s.strategy.GetState(ctx, repo, resource)
}

// IsHolderAlive reports whether holder's process/session is still live.
func (s *Service) IsHolderAlive(ctx context.Context, holder Holder) (bool, error) {
	return s.strategy.IsHolderAlive(ctx, holder)
}

// DataflowLockTag is the lock operation tag the Dataflow Engine always uses.
const DataflowLockTag = "dataflow"

// WorkspaceResource returns the lock resource name for a workspace.
func WorkspaceResource(workspace string) string {
	return "workspaces/" + workspace
}
