package catalog

import (
	"fmt"
	"time"

	"github.com/pgbackup/pgbackup/internal/lock"
)

// ChainState is the result of [ScanParentChain], spec.md §4.7's chain
// validation states.
type ChainState int

const (
	// ChainOk means every ancestor resolves and is OK/DONE.
	ChainOk ChainState = iota
	// ChainInvalid means every link resolves, but at least one ancestor's
	// status is not OK/DONE.
	ChainInvalid
	// ChainBroken means some parent_backup does not resolve to a known
	// backup.
	ChainBroken
)

func (s ChainState) String() string {
	switch s {
	case ChainOk:
		return "OK"
	case ChainInvalid:
		return "INVALID"
	case ChainBroken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

// ScanParentChain walks target's parent_backup links back to a FULL
// backup, realizing spec.md §4.7/§8's three chain states. The returned
// chain is ordered oldest (FULL) to newest (target), and is only complete
// (all links present) when state is [ChainOk] or [ChainInvalid] — a
// [ChainBroken] result's chain stops at the first unresolved link.
func ScanParentChain(backups []*Backup, target *Backup) (ChainState, []*Backup) {
	chain := []*Backup{target}

	cur := target
	for cur.BackupMode != ModeFull {
		if cur.ParentBackupID == "" {
			return ChainBroken, chain
		}

		parent, ok := FindParent(backups, cur.ParentBackupID)
		if !ok {
			return ChainBroken, chain
		}

		chain = append([]*Backup{parent}, chain...)
		cur = parent
	}

	state := ChainOk

	for _, b := range chain {
		if !isValidStatus(b.Status) {
			state = ChainInvalid
			break
		}
	}

	return state, chain
}

// GetLastDataBackup implements spec.md §4.7's single-timeline case: locate
// the latest OK/DONE FULL on timelineID, then the latest OK/DONE
// descendant of that FULL whose own parent chain is intact ([ChainOk]).
// backups must be sorted oldest-first, as [Catalog.ListBackups] returns
// them.
func GetLastDataBackup(backups []*Backup, timelineID uint32) (*Backup, error) {
	var full *Backup

	for i := len(backups) - 1; i >= 0; i-- {
		b := backups[i]
		if b.TimelineID == timelineID && b.BackupMode == ModeFull && isValidStatus(b.Status) {
			full = b
			break
		}
	}

	if full == nil {
		return nil, nil
	}

	best := full

	for i := len(backups) - 1; i >= 0; i-- {
		b := backups[i]
		if b.TimelineID != timelineID || !isValidStatus(b.Status) {
			continue
		}

		if !isDescendantOf(backups, b, full) {
			continue
		}

		if state, _ := ScanParentChain(backups, b); state != ChainOk {
			continue
		}

		if b.StartTime.After(best.StartTime) {
			best = b
		}
	}

	return best, nil
}

// isDescendantOf reports whether b's parent chain passes through anc
// (anc itself counts as its own descendant).
func isDescendantOf(backups []*Backup, b, anc *Backup) bool {
	cur := b
	for {
		if cur.ID() == anc.ID() {
			return true
		}

		if cur.BackupMode == ModeFull {
			return false
		}

		parent, ok := FindParent(backups, cur.ParentBackupID)
		if !ok {
			return false
		}

		cur = parent
	}
}

// TimelineLookup is the minimal timeline-forest query [FindParentAcrossTimelines]
// needs: given a timeline id, its switchpoint LSN and parent timeline id.
// internal/timeline.Tree implements this; the interface exists so catalog
// doesn't need to import timeline for the multi-timeline parent search.
type TimelineLookup interface {
	Switchpoint(tli uint32) (lsn uint64, parentTLI uint32, ok bool)
}

// FindParentAcrossTimelines implements spec.md §4.7's multi-timeline case:
// walk parent_link (via the timeline forest) upward from childTLI to find
// a FULL backup whose stop_lsn ≤ the child timeline's switchpoint; then
// find the latest valid backup on any intermediate timeline whose
// stop_lsn ≤ the switchpoint immediately above it.
func FindParentAcrossTimelines(backups []*Backup, childTLI uint32, lookup TimelineLookup) (*Backup, error) {
	tli := childTLI

	var best *Backup

	for {
		switchLSN, parentTLI, ok := lookup.Switchpoint(tli)
		if !ok {
			break
		}

		candidate := latestValidBefore(backups, parentTLI, switchLSN)
		if candidate != nil {
			if best == nil {
				best = candidate
			}

			if candidate.BackupMode == ModeFull {
				return best, nil
			}
		}

		if parentTLI == 0 || parentTLI == tli {
			break
		}

		tli = parentTLI
	}

	return best, nil
}

// latestValidBefore returns the newest OK/DONE backup on timelineID whose
// StopLSN is at most maxLSN.
func latestValidBefore(backups []*Backup, timelineID uint32, maxLSN uint64) *Backup {
	var best *Backup

	for _, b := range backups {
		if b.TimelineID != timelineID || !isValidStatus(b.Status) {
			continue
		}

		if b.StopLSN > maxLSN {
			continue
		}

		if best == nil || b.StartTime.After(best.StartTime) {
			best = b
		}
	}

	return best
}

// LockOrder returns backups[from:to+1] in descending (newest→oldest)
// index order, the order spec.md §4.7's catalog_lock_backup_list locks an
// incremental chain in: "so that callers always release later backups
// before earlier ones, matching the parent-chain invariant."
func LockOrder(backups []*Backup, from, to int) []*Backup {
	out := make([]*Backup, 0, to-from+1)

	for i := to; i >= from; i-- {
		out = append(out, backups[i])
	}

	return out
}

// LockBackupList acquires locks over backups[from:to+1] in descending
// index order via mgr, returning the held locks in acquisition order so
// the caller can release them (in reverse, i.e. ascending/creation order)
// by closing them back-to-front. On any failure, locks already acquired
// are released before the error is returned.
func LockBackupList(mgr *lock.Manager, backups []*Backup, from, to int, exclusive bool, timeout time.Duration) ([]*lock.Lock, error) {
	ordered := LockOrder(backups, from, to)

	held := make([]*lock.Lock, 0, len(ordered))

	for _, b := range ordered {
		var (
			lk     *lock.Lock
			status lock.Status
			err    error
		)

		if exclusive {
			lk, status, err = mgr.AcquireExclusive(b.Dir(), timeout, true)
		} else {
			lk, status, err = mgr.AcquireShared(b.Dir(), timeout)
		}

		if err != nil || status != lock.StatusOK {
			releaseAll(held)

			if err != nil {
				return nil, err
			}

			return nil, lockStatusError(status)
		}

		held = append(held, lk)
	}

	return held, nil
}

func releaseAll(locks []*lock.Lock) {
	for i := len(locks) - 1; i >= 0; i-- {
		_ = locks[i].Close()
	}
}

func lockStatusError(status lock.Status) error {
	return fmt.Errorf("catalog: lock acquisition returned %s", status)
}
