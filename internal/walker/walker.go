// Package walker implements spec.md §4.3 (C3): discovering and
// classifying the regular files under a PGDATA root that the file engine
// needs to back up.
package walker

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pgbackup/pgbackup/internal/storage"
)

// excludedNames is the §6.3 exact-match exclusion table.
var excludedNames = map[string]bool{
	"postmaster.pid":           true,
	"postmaster.opts":         true,
	"recovery.conf":            true,
	"postgresql.auto.conf.tmp": true,
	"current_logfiles.tmp":     true,
	"probackup_recovery.conf":  true,
	"recovery.signal":          true,
	"standby.signal":           true,
}

// nonExclusiveOnlyNames are additionally excluded only when the backup is
// not running in exclusive-backup mode (§6.3).
var nonExclusiveOnlyNames = map[string]bool{
	"backup_label":   true,
	"tablespace_map": true,
}

// excludedDirs is the §6.3 path-component exclusion table.
var excludedDirs = map[string]bool{
	"pg_xlog":      true,
	"pg_wal":       true,
	"pg_stat_tmp":  true,
	"pgsql_tmp":    true,
	"pg_replslot":  true,
	"pg_dynshmem":  true,
	"pg_notify":    true,
	"pg_serial":    true,
	"pg_snapshots": true,
	"pg_subtrans":  true,
}

// datafileName matches relOid[.segno][_fork], the §6.3 datafile segment
// grammar.
var datafileName = regexp.MustCompile(`^([0-9]+)(\.([0-9]+))?(_([a-z]+))?$`)

// tempRelFile matches a per-database temp relation file (t<digit>...).
var tempRelFile = regexp.MustCompile(`^t[0-9]`)

var knownForks = map[string]bool{
	"vm":     true,
	"fsm":    true,
	"cfm":    true,
	"ptrack": true,
	"init":   true,
}

// Options configures a walk.
type Options struct {
	// ExclusiveBackup indicates backup_label/tablespace_map should be
	// walked (they are the backup's own artifacts, not duplicates left
	// over from a prior non-exclusive backup).
	ExclusiveBackup bool

	// ExcludeLog additionally excludes the pg_log directory (§6.3:
	// "optionally pg_log").
	ExcludeLog bool
}

// File describes one file discovered under PGDATA, classified enough for
// the file engine to decide how to back it up.
type File struct {
	// Path is the absolute source path.
	Path string

	// RelPath is Path relative to the PGDATA root, using OS separators.
	RelPath string

	Size int64

	// IsDatafile is true when the basename parses as relOid[.segno][_fork]
	// under a tablespace-version or base/<dbOid> directory.
	IsDatafile bool

	// RelOid, Segno are only meaningful when IsDatafile is true. Segno is
	// -1 when the filename had no .segno suffix.
	RelOid int
	Segno  int

	// Fork is "" for the main fork, otherwise one of vm/fsm/cfm/ptrack/init.
	Fork string

	// IsControlFile marks PGDATA's global/pg_control, which the file
	// engine always copies verbatim (spec.md §4.5).
	IsControlFile bool
}

// Walk enumerates the regular files under root, applying the §6.3
// exclusion and classification rules. Callers receive files in
// directory-walk order; ptrack-forked files are never emitted.
func Walk(backend storage.Backend, root string, opts Options) ([]File, error) {
	var out []File

	var visit func(dir string, inTablespaceOrBase bool) error

	visit = func(dir string, inTablespaceOrBase bool) error {
		entries, err := backend.List(dir)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			name := entry.Name()
			full := filepath.Join(dir, name)

			if entry.IsDir() {
				if isExcludedDir(name, opts) {
					continue
				}

				nextInside := inTablespaceOrBase || isDatabaseRoot(dir, name)

				if err := visit(full, nextInside); err != nil {
					return err
				}

				continue
			}

			f, skip := classify(backend, root, full, name, inTablespaceOrBase, opts)
			if skip {
				continue
			}

			out = append(out, f)
		}

		return nil
	}

	if err := visit(root, false); err != nil {
		return nil, err
	}

	return out, nil
}

// isDatabaseRoot reports whether descending into dir/name enters a
// tablespace-version directory (pg_tblspc/<oid>/<version>) or a base/<dbOid>
// directory, both of which are database roots for datafile-name purposes.
func isDatabaseRoot(dir, name string) bool {
	base := filepath.Base(dir)
	if base == "base" {
		return true // name is <dbOid>
	}

	// dir is pg_tblspc/<oid>; name is the version directory.
	if filepath.Base(filepath.Dir(dir)) == "pg_tblspc" {
		return true
	}

	return false
}

func isExcludedDir(name string, opts Options) bool {
	if excludedDirs[name] {
		return true
	}

	if opts.ExcludeLog && name == "pg_log" {
		return true
	}

	return false
}

func classify(backend storage.Backend, root, full, name string, inDatabaseRoot bool, opts Options) (File, bool) {
	if excludedNames[name] {
		return File{}, true
	}

	if !opts.ExclusiveBackup && nonExclusiveOnlyNames[name] {
		return File{}, true
	}

	if tempRelFile.MatchString(name) {
		return File{}, true
	}

	if isRelationMapperTemp(name) {
		return File{}, true
	}

	info, err := backend.Stat(full)
	if err != nil {
		return File{}, true
	}

	relPath, err := filepath.Rel(root, full)
	if err != nil {
		relPath = full
	}

	f := File{
		Path:    full,
		RelPath: relPath,
		Size:    info.Size(),
	}

	if relPath == filepath.Join("global", "pg_control") {
		f.IsControlFile = true
		return f, false
	}

	if !inDatabaseRoot {
		return f, false
	}

	relOid, segno, fork, ok := parseDatafileName(name)
	if !ok {
		return f, false
	}

	if fork == "ptrack" {
		return File{}, true
	}

	f.IsDatafile = true
	f.RelOid = relOid
	f.Segno = segno
	f.Fork = fork

	return f, false
}

// isRelationMapperTemp recognizes the relation-mapper's temp-mmap pair
// (pg_filenode.map.tmp and friends), excluded per §4.3.
func isRelationMapperTemp(name string) bool {
	return strings.HasSuffix(name, ".map.tmp") || strings.HasSuffix(name, ".map.mmap")
}

// parseDatafileName parses relOid[.segno][_fork] per §6.3's grammar.
// ok is true only when the whole name matched (1 or 2 numeric
// components, per spec.md §4.3: "mark is_datafile when the parse yields 1
// or 2 numeric components").
func parseDatafileName(name string) (relOid, segno int, fork string, ok bool) {
	m := datafileName.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, "", false
	}

	relOid, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, "", false
	}

	segno = -1
	if m[3] != "" {
		segno, err = strconv.Atoi(m[3])
		if err != nil {
			return 0, 0, "", false
		}
	}

	fork = m[5]
	if fork != "" && !knownForks[fork] {
		return 0, 0, "", false
	}

	return relOid, segno, fork, true
}
