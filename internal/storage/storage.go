// Package storage provides the filesystem abstraction the backup engine
// runs on top of.
//
// The core components (catalog, lock manager, file engine, restore engine)
// never touch the os package directly. They depend on [Backend], so the same
// code runs against a real filesystem ([Real]) or a fault-injecting one
// ([Chaos]) in tests that exercise crash-consistency properties (stale-lock
// recovery, control-file atomicity).
//
// Paths use OS semantics (like the os package and path/filepath), not the
// slash-separated paths used by the standard library io/fs package.
package storage

import (
	"io"
	"os"
)

// File represents an OS-backed open file descriptor.
//
// This interface is satisfied by [os.File]. Implementations must behave
// like [os.File], including that [File.Fd] returns a valid OS file
// descriptor usable with syscalls (for example flock or kill-based PID
// checks) until the file is closed.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error

	// Chmod changes the mode of the file. See [os.File.Chmod].
	Chmod(mode os.FileMode) error

	// Truncate changes the size of the file. See [os.File.Truncate].
	Truncate(size int64) error
}

// Backend defines the filesystem operations the backup engine needs.
//
// This is the "StorageBackend" design note from SPEC_FULL.md §9: a single
// interface dispatched over at process boundaries instead of a
// local-vs-remote-agent object hierarchy. A remote-agent transport (out of
// scope per spec.md §1) would implement this same interface.
//
// All methods mirror their [os] package equivalents but can be intercepted
// for fault injection. Implementations must be safe for concurrent use.
type Backend interface {
	// OpenRead opens a file for reading. See [os.Open].
	OpenRead(path string) (File, error)

	// OpenWrite opens or creates a file with the given flags and
	// permissions. See [os.OpenFile]. Callers choose the access mode
	// ([os.O_WRONLY], [os.O_RDWR]) and creation flags ([os.O_CREATE],
	// [os.O_EXCL], [os.O_APPEND], [os.O_TRUNC]) explicitly.
	OpenWrite(path string, flag int, perm os.FileMode) (File, error)

	// Stat returns file info. See [os.Stat]. Returns [os.ErrNotExist] if the
	// file doesn't exist.
	Stat(path string) (os.FileInfo, error)

	// List reads a directory and returns its entries, sorted by name. See
	// [os.ReadDir].
	List(dir string) ([]os.DirEntry, error)

	// Remove deletes a file or empty directory. See [os.Remove]. Returns
	// nil if the path does not exist.
	Remove(path string) error

	// Rename moves/renames a file or directory. See [os.Rename]. Atomic on
	// the same filesystem.
	Rename(oldpath, newpath string) error

	// MakeDir creates a directory and all missing parents. See
	// [os.MkdirAll]. No error if the directory already exists.
	MakeDir(path string, perm os.FileMode) error
}

// Compile-time interface check.
var _ File = (*os.File)(nil)
