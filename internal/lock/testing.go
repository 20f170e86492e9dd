package lock

import (
	"time"

	"github.com/pgbackup/pgbackup/internal/cancel"
	"github.com/pgbackup/pgbackup/internal/storage"
)

// NewManagerForTest builds a [Manager] with an injected PID and liveness
// table so tests can simulate several cooperating/competing "processes"
// deterministically without forking real OS processes — mirroring the
// teacher's pattern of injecting the flock syscall in internal/fs.Locker
// for testability.
func NewManagerForTest(backend storage.Backend, pid int, alivePIDs ...int) *Manager {
	m := &Manager{
		backend:           backend,
		cancel:            cancel.New(),
		pid:               pid,
		signal:            newFakeSignaler(append(alivePIDs, pid)...),
		registry:          newRegistry(),
		StaleEmptyTimeout: 200 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	}

	return m
}

// KillForTest marks pid as no longer alive in a test [Manager]'s fake
// signaler. Panics if m was not built with [NewManagerForTest].
func KillForTest(m *Manager, pid int) {
	m.signal.(*fakeSignaler).kill(pid)
}
