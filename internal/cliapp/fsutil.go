package cliapp

import (
	"path/filepath"

	"github.com/pgbackup/pgbackup/internal/storage"
)

// removeAll recursively removes path through backend, depth-first — the
// [storage.Backend] interface only exposes a single-entry Remove, so a
// backup directory's removal (del-instance, delete) walks it first.
func removeAll(backend storage.Backend, path string) error {
	entries, err := backend.List(path)
	if err != nil {
		// Nothing to recurse into; Remove below reports the real error
		// (including "not found", which the caller already treats as OK).
		return backend.Remove(path)
	}

	for _, e := range entries {
		child := filepath.Join(path, e.Name())

		if e.IsDir() {
			if err := removeAll(backend, child); err != nil {
				return err
			}

			continue
		}

		if err := backend.Remove(child); err != nil {
			return err
		}
	}

	return backend.Remove(path)
}
