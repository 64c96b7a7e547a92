package procident

import (
	"os"
	"testing"
)

func TestOSProviderCurrentMatchesRunningProcess(t *testing.T) {
	p := New()
	id, err := p.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if id.Pid != os.Getpid() {
		t.Fatalf("Pid = %d, want %d", id.Pid, os.Getpid())
	}
	if id.PIDStartTime == "" {
		t.Fatalf("PIDStartTime is empty")
	}
	if id.BootID == "" {
		t.Fatalf("BootID is empty")
	}
}

func TestOSProviderIsAliveTrueForSelf(t *testing.T) {
	p := New()
	id, err := p.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	alive, err := p.IsAlive(id)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if !alive {
		t.Fatalf("IsAlive(self) = false, want true")
	}
}

func TestOSProviderIsAliveFalseForStalePID(t *testing.T) {
	p := New()
	id, err := p.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	// A start-time that can't possibly match any real process's /proc/<pid>/stat
	// field marks the identity as stale even though BootID still matches.
	stale := id
	stale.PIDStartTime = "not-a-real-starttime"

	alive, err := p.IsAlive(stale)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if alive {
		t.Fatalf("IsAlive(stale start time) = true, want false")
	}
}

func TestOSProviderIsAliveFalseForDifferentBoot(t *testing.T) {
	p := New()
	id, err := p.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	other := id
	other.BootID = "not-" + id.BootID

	alive, err := p.IsAlive(other)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if alive {
		t.Fatalf("IsAlive(different boot id) = true, want false")
	}
}

func TestFakeCurrentReturnsFixedIdentity(t *testing.T) {
	id := Identity{Pid: 42, PIDStartTime: "100", BootID: "boot-1", Host: "h"}
	f := NewFake(id)

	got, err := f.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got != id {
		t.Fatalf("Current = %+v, want %+v", got, id)
	}
}

func TestFakeIsAliveDefaultsTrueForItsOwnIdentity(t *testing.T) {
	id := Identity{Pid: 1, PIDStartTime: "1", BootID: "b"}
	f := NewFake(id)

	alive, err := f.IsAlive(id)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if !alive {
		t.Fatalf("IsAlive(fresh fake identity) = false, want true")
	}
}

func TestFakeKillMarksIdentityDead(t *testing.T) {
	id := Identity{Pid: 2, PIDStartTime: "1", BootID: "b"}
	f := NewFake(id)
	f.Kill(id)

	alive, err := f.IsAlive(id)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if alive {
		t.Fatalf("IsAlive(killed identity) = true, want false")
	}
}

func TestFakeIsAliveFalseForUnknownIdentity(t *testing.T) {
	known := Identity{Pid: 3, PIDStartTime: "1", BootID: "b"}
	f := NewFake(known)

	unknown := Identity{Pid: 999, PIDStartTime: "999", BootID: "b"}
	alive, err := f.IsAlive(unknown)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if alive {
		t.Fatalf("IsAlive(unknown identity) = true, want false")
	}
}

func TestFakeWithNilAliveMapReportsDead(t *testing.T) {
	f := &Fake{Identity: Identity{Pid: 4}}

	alive, err := f.IsAlive(f.Identity)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if alive {
		t.Fatalf("IsAlive with nil Alive map = true, want false")
	}
}
