// Package cancel implements the process-wide cancellation flag called for
// by spec.md's Design Notes (§9, "Global mutable state"): every other piece
// of global mutable state in the original implementation (instance_config,
// current backup, locks list) is threaded as an explicit context struct in
// this rewrite, but the cancellation flag itself stays a package-level
// singleton because it must be signal-safe — a SIGINT/SIGTERM handler sets
// it from outside any particular command's call graph.
package cancel

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// pollInterval is how often Context checks the flag against the signal
// handler having set it asynchronously.
const pollInterval = 50 * time.Millisecond

// ErrInterrupted is returned by operations that observe the flag set mid-way
// through a lock wait, page loop, or restore loop (spec.md §5, §7).
var ErrInterrupted = errors.New("interrupted")

// Flag is a signal-safe, process-wide cancellation flag.
//
// The zero value is ready to use and starts unset.
type Flag struct {
	set atomic.Bool
}

// global is the single process-wide instance. Commands should prefer
// injecting a *Flag explicitly (see [New]) for testability; global exists
// for the signal handler in cmd/pgbackup, which has no natural owner to
// inject into.
var global = &Flag{}

// Global returns the process-wide flag set by the top-level signal handler.
func Global() *Flag { return global }

// New returns a fresh, unset flag — used in tests so cancellation in one
// test can't leak into another via the package-level singleton.
func New() *Flag { return &Flag{} }

// Set marks the flag as interrupted. Safe to call from a signal handler.
func (f *Flag) Set() { f.set.Store(true) }

// Reset clears the flag. Used between command invocations sharing the
// global flag (e.g. in a long-running server) and in tests.
func (f *Flag) Reset() { f.set.Store(false) }

// IsSet reports whether the flag has been set.
func (f *Flag) IsSet() bool { return f.set.Load() }

// Check returns [ErrInterrupted] if the flag is set, nil otherwise. Call
// this at every retry/sleep point per spec.md §5 ("polled in lock loops,
// page loops, and restore loops").
func (f *Flag) Check() error {
	if f.IsSet() {
		return ErrInterrupted
	}

	return nil
}

// Context returns a context.Context that is cancelled (with
// [ErrInterrupted] as its cause) once the flag is set. It polls the flag
// every pollInterval; it does not attempt to make every blocking syscall
// natively cancellable — spec.md §5 describes polling, not preemption.
func (f *Flag) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if f.IsSet() {
					cancel(ErrInterrupted)
					return
				}
			}
		}
	}()

	return ctx, func() {
		cancel(nil)
		<-done
	}
}
