package lock

import (
	"errors"

	"golang.org/x/sys/unix"
)

// signaler checks whether a PID names a live process. It is the
// spec.md §4.9 "kill(pid, 0)" liveness check, abstracted so tests can fake
// process liveness without spawning real processes — mirroring the
// teacher's dependency-injected flock function seam in
// internal/fs.Locker.flock.
type signaler interface {
	// IsAlive reports whether pid names a currently running process.
	IsAlive(pid int) (bool, error)
}

// osSignaler sends the real signal 0 via the OS.
type osSignaler struct{}

func (osSignaler) IsAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}

	err := unix.Kill(pid, 0)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, unix.ESRCH) {
		return false, nil
	}

	if errors.Is(err, unix.EPERM) {
		// The process exists but we can't signal it (different owner).
		// Still alive from our point of view.
		return true, nil
	}

	return false, err
}

// fakeSignaler is a test-only signaler over an explicit set of live PIDs.
type fakeSignaler struct {
	alive map[int]bool
}

func newFakeSignaler(alivePIDs ...int) *fakeSignaler {
	m := make(map[int]bool, len(alivePIDs))
	for _, p := range alivePIDs {
		m[p] = true
	}

	return &fakeSignaler{alive: m}
}

func (f *fakeSignaler) IsAlive(pid int) (bool, error) {
	return f.alive[pid], nil
}

func (f *fakeSignaler) kill(pid int) {
	delete(f.alive, pid)
}
