// Package procident abstracts the process-identity probes (pid, pid start
// time, boot id) the Lock Service uses to tell a live holder from a dead
// one, kept behind a Provider interface so the liveness check is portable
// across OSes and fakeable in tests.
package procident

import (
	"fmt"
	"os"
)

// Identity is one process's liveness fingerprint.
type Identity struct {
	Pid          int
	PIDStartTime string // opaque, comparable string; monotonic per-boot on Linux
	BootID       string
	Host         string
}

// Provider returns the identity of the calling process, and can determine
// whether a previously observed identity is still alive.
type Provider interface {
	Current() (Identity, error)
	IsAlive(id Identity) (bool, error)
}

// osProvider is the real, OS-backed implementation.
type osProvider struct{}

// New returns the OS-backed Provider.
func New() Provider { return osProvider{} }

func (osProvider) Current() (Identity, error) {
	pid := os.Getpid()
	start, err := pidStartTime(pid)
	if err != nil {
		return Identity{}, fmt.Errorf("read pid start time: %w", err)
	}
	boot, err := bootID()
	if err != nil {
		return Identity{}, fmt.Errorf("read boot id: %w", err)
	}
	host, _ := os.Hostname()
	return Identity{Pid: pid, PIDStartTime: start, BootID: boot, Host: host}, nil
}

func (osProvider) IsAlive(id Identity) (bool, error) {
	boot, err := bootID()
	if err != nil {
		return false, fmt.Errorf("read boot id: %w", err)
	}
	if boot != id.BootID {
		// Different boot: any pid/start-time from a prior boot is stale.
		return false, nil
	}
	start, err := pidStartTime(id.Pid)
	if err != nil {
		// pid no longer exists (or /proc unavailable): treat as dead.
		return false, nil
	}
	return start == id.PIDStartTime, nil
}
