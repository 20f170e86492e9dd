package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrDirSync indicates the parent directory could not be synced after a
// rename. When returned, the new file is in place but durability across a
// crash is not guaranteed.
var ErrDirSync = errors.New("dir sync")

// AtomicWriter writes files durably: temp file in the same directory, sync,
// rename over the destination, then sync the parent directory.
//
// The catalog (C7) uses this for every control-file and manifest write —
// spec.md §4.7 requires "writes are always to temp file, fsync, rename" and
// that writes occur only after reacquiring the exclusive lock on the backup
// directory.
type AtomicWriter struct {
	backend Backend
}

// NewAtomicWriter creates an [AtomicWriter] backed by the given [Backend].
func NewAtomicWriter(backend Backend) *AtomicWriter {
	if backend == nil {
		panic("backend is nil")
	}

	return &AtomicWriter{backend: backend}
}

// WriteOptions configures [AtomicWriter.Write].
type WriteOptions struct {
	// SyncDir controls whether the parent directory is synced after the
	// rename. Default true; callers batching several writes under one lock
	// can set false and sync the directory once at the end.
	SyncDir bool

	// Perm is the file's permission bits. Must be non-zero.
	Perm os.FileMode
}

// DefaultWriteOptions returns SyncDir: true, Perm: 0o644.
func DefaultWriteOptions() WriteOptions {
	return WriteOptions{SyncDir: true, Perm: 0o644}
}

// Write writes data from r to path atomically and durably.
//
// If the directory sync step fails, the returned error satisfies
// errors.Is(err, ErrDirSync); the rename itself already succeeded in that
// case, so the new content is in place.
func (w *AtomicWriter) Write(path string, r io.Reader, opts WriteOptions) error {
	if r == nil {
		panic("reader is nil")
	}

	if path == "" {
		return errors.New("path is empty")
	}

	if opts.Perm == 0 {
		return errors.New("opts.Perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == "." {
		return fmt.Errorf("path is invalid: %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmpFile, tmpPath, err := w.createTempFile(dir, base, opts.Perm)
	if err != nil {
		return err
	}

	cleanup := func() error {
		closeErr := closeNamed(tmpPath, tmpFile)
		removeErr := removeIfExists(w.backend, tmpPath)

		return errors.Join(closeErr, removeErr)
	}

	if chmodErr := tmpFile.Chmod(opts.Perm); chmodErr != nil {
		return errors.Join(fmt.Errorf("chmod temp file %q: %w", tmpPath, chmodErr), cleanup())
	}

	if _, copyErr := io.Copy(tmpFile, r); copyErr != nil {
		return errors.Join(fmt.Errorf("write temp file %q: %w", tmpPath, copyErr), cleanup())
	}

	if syncErr := tmpFile.Sync(); syncErr != nil {
		return errors.Join(fmt.Errorf("sync temp file %q: %w", tmpPath, syncErr), cleanup())
	}

	if renameErr := w.backend.Rename(tmpPath, path); renameErr != nil {
		return errors.Join(fmt.Errorf("rename: %w", renameErr), cleanup())
	}

	cleanupErr := cleanup()

	if opts.SyncDir {
		if err := w.SyncDir(dir); err != nil {
			return errors.Join(err, cleanupErr)
		}
	}

	return nil
}

// WriteBytes is a convenience wrapper around Write for in-memory content.
func (w *AtomicWriter) WriteBytes(path string, data []byte, opts WriteOptions) error {
	return w.Write(path, bytes.NewReader(data), opts)
}

// SyncDir fsyncs a directory, which is required after a rename for the
// rename itself to be durable across a crash on most filesystems.
func (w *AtomicWriter) SyncDir(dir string) error {
	dirFd, err := w.backend.OpenRead(dir)
	if err != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("open dir %q: %w", dir, err))
	}

	syncErr := dirFd.Sync()
	closeErr := closeNamed(dir, dirFd)

	if syncErr != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("%q: %w", dir, syncErr), closeErr)
	}

	return closeErr
}

const atomicWriteMaxAttempts = 10000

var atomicWriteCounter atomic.Uint64

func (w *AtomicWriter) createTempFile(dir, base string, perm os.FileMode) (File, string, error) {
	for range atomicWriteMaxAttempts {
		seq := atomicWriteCounter.Add(1)
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, seq))

		file, err := w.backend.OpenWrite(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return file, path, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}

func closeNamed(path string, file File) error {
	err := file.Close()
	if err == nil {
		return nil
	}

	return fmt.Errorf("close %q: %w", path, err)
}

func removeIfExists(backend Backend, path string) error {
	err := backend.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %q: %w", path, err)
	}

	return nil
}

