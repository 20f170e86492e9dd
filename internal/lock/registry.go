package lock

import "sync"

// Registry is the process-wide list of locks currently held by this
// process (spec.md §3 "Lock record (in-memory)", §9 "Exit-time cleanup").
// It replaces the original implementation's atexit-released global list
// with an explicit, injectable object: callers hold one [Registry] per
// process (or per test) and release it deterministically with
// [Manager.Guard] instead of relying on process exit.
type Registry struct {
	mu      sync.Mutex
	records []Record
}

func newRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, rec)
}

func (r *Registry) remove(dir string, exclusive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, rec := range r.records {
		if rec.BackupDir == dir && rec.Exclusive == exclusive {
			r.records = append(r.records[:i], r.records[i+1:]...)
			return
		}
	}
}

// Held returns a snapshot of the locks currently tracked as held.
func (r *Registry) Held() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, len(r.records))
	copy(out, r.records)

	return out
}

// Guard returns a cleanup function that releases every lock remaining in
// the registry through m, in reverse acquisition order: the lock taken
// last is released first.
//
// Install it with `defer mgr.Guard()()` at the top of a command's entry
// point so abnormal termination (a returned error, a panic recovered
// higher up) still releases every lock this process is holding.
func (m *Manager) Guard() func() {
	return func() {
		records := m.registry.Held()

		for i := len(records) - 1; i >= 0; i-- {
			rec := records[i]

			if rec.Exclusive {
				_ = m.releaseExclusive(rec.BackupDir)
			} else {
				_ = m.releaseShared(rec.BackupDir)
			}

			m.registry.remove(rec.BackupDir, rec.Exclusive)
		}
	}
}
