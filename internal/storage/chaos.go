package storage

import (
	"errors"
	"math/rand/v2"
	"os"
	"sync"
)

// ChaosConfig controls fault injection probabilities. Each rate is a
// float64 from 0.0 (never) to 1.0 (always). The zero value disables all
// fault injection.
//
// Chaos exists to exercise the durability properties spec.md demands of the
// lock manager (C9) and the catalog's atomic control-file writes (C7):
// stale-lock recovery after a crash, and "the control file is never left
// half-written" under induced I/O failure.
type ChaosConfig struct {
	// OpenFailRate controls how often opening a file for write fails (EIO).
	OpenFailRate float64

	// WriteFailRate controls how often File.Write fails entirely (EIO).
	WriteFailRate float64

	// SyncFailRate controls how often File.Sync fails (EIO).
	SyncFailRate float64

	// RenameFailRate controls how often Backend.Rename fails (EIO).
	RenameFailRate float64

	// ENOSPC, when true, makes every injected fault (open, write, rename,
	// sync) report ENOSPC instead of EIO. It injects no faults by itself:
	// which operations fail is still decided by the rates above. Models the
	// catalog's specific "lock acquisition under disk-full" edge case
	// (spec.md §4.9).
	ENOSPC bool
}

// Chaos wraps a [Backend] and injects faults according to [ChaosConfig].
// Safe for concurrent use; the random source is protected by a mutex so
// fault injection is deterministic when seeded in a test.
type Chaos struct {
	inner Backend
	rng   *rand.Rand
	mu    sync.Mutex
	cfg   ChaosConfig
}

// NewChaos wraps inner with fault injection seeded by seed (deterministic
// across runs for reproducible tests).
func NewChaos(inner Backend, cfg ChaosConfig, seed uint64) *Chaos {
	return &Chaos{
		inner: inner,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		cfg:   cfg,
	}
}

func (c *Chaos) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64() < rate
}

func (c *Chaos) injectedErr(path string, op string) error {
	errno := errEIO
	if c.cfg.ENOSPC {
		errno = errENOSPC
	}

	return &os.PathError{Op: op, Path: path, Err: errno}
}

var (
	errEIO    = errors.New("input/output error")
	errENOSPC = errors.New("no space left on device")
)

func (c *Chaos) OpenRead(path string) (File, error) {
	return c.inner.OpenRead(path)
}

func (c *Chaos) OpenWrite(path string, flag int, perm os.FileMode) (File, error) {
	if c.roll(c.cfg.OpenFailRate) {
		return nil, c.injectedErr(path, "open")
	}

	f, err := c.inner.OpenWrite(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{inner: f, chaos: c, path: path}, nil
}

func (c *Chaos) Stat(path string) (os.FileInfo, error) { return c.inner.Stat(path) }
func (c *Chaos) List(dir string) ([]os.DirEntry, error) { return c.inner.List(dir) }
func (c *Chaos) Remove(path string) error               { return c.inner.Remove(path) }

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.roll(c.cfg.RenameFailRate) {
		return c.injectedErr(newpath, "rename")
	}

	return c.inner.Rename(oldpath, newpath)
}

func (c *Chaos) MakeDir(path string, perm os.FileMode) error {
	return c.inner.MakeDir(path, perm)
}

type chaosFile struct {
	inner File
	chaos *Chaos
	path  string
}

func (f *chaosFile) Read(p []byte) (int, error) { return f.inner.Read(p) }

func (f *chaosFile) Write(p []byte) (int, error) {
	if f.chaos.roll(f.chaos.cfg.WriteFailRate) {
		return 0, f.chaos.injectedErr(f.path, "write")
	}

	return f.inner.Write(p)
}

func (f *chaosFile) Close() error               { return f.inner.Close() }
func (f *chaosFile) Seek(o int64, w int) (int64, error) { return f.inner.Seek(o, w) }
func (f *chaosFile) Fd() uintptr                { return f.inner.Fd() }
func (f *chaosFile) Stat() (os.FileInfo, error) { return f.inner.Stat() }

func (f *chaosFile) Sync() error {
	if f.chaos.roll(f.chaos.cfg.SyncFailRate) {
		return f.chaos.injectedErr(f.path, "sync")
	}

	return f.inner.Sync()
}

func (f *chaosFile) Chmod(mode os.FileMode) error   { return f.inner.Chmod(mode) }
func (f *chaosFile) Truncate(size int64) error      { return f.inner.Truncate(size) }

var _ Backend = (*Chaos)(nil)
var _ File = (*chaosFile)(nil)
