package catalog

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/pgbackup/pgbackup/internal/storage"
)

// Layout file/dir names within <catalog>/backups/<instance>/<backup-id>/,
// per spec.md §6.1.
const (
	ControlFileName   = "backup.control"
	ManifestFileName  = "backup_content.control"
	HeaderMapFileName = "page_header_map"
	DatabaseDirName   = "database"
	ExternalDirsName  = "external_directories"
)

// Catalog roots all instance/backup enumeration at a backup repository
// directory, realizing spec.md §4.7's "enumerate instances ... and
// backups ... parse control files, link incrementals to parents".
type Catalog struct {
	Backend storage.Backend
	Root    string // <catalog>/backups
}

// New returns a [Catalog] rooted at backupsRoot (the "<catalog>/backups"
// directory of spec.md §6.1).
func New(backend storage.Backend, backupsRoot string) *Catalog {
	return &Catalog{Backend: backend, Root: backupsRoot}
}

// InstanceDir returns the directory for instance.
func (c *Catalog) InstanceDir(instance string) string {
	return filepath.Join(c.Root, instance)
}

// BackupDir returns the directory for one backup.
func (c *Catalog) BackupDir(instance, id string) string {
	return filepath.Join(c.InstanceDir(instance), id)
}

// Instances lists the instance subdirectories of the catalog root, sorted
// by name.
func (c *Catalog) Instances() ([]string, error) {
	entries, err := c.Backend.List(c.Root)
	if err != nil {
		return nil, fmt.Errorf("catalog: list instances: %w", err)
	}

	var names []string

	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	return names, nil
}

// dir and instance are attached to a [Backup] after it's read off disk, so
// later catalog operations (lock acquisition, manifest path, status
// rewrite) don't need the caller to thread the instance name through
// separately.
func (b *Backup) setLocation(instance, dir string) {
	b.instance = instance
	b.dir = dir
}

// Dir returns the backup's on-disk directory, set by [Catalog.ListBackups]
// or [Catalog.GetBackup].
func (b *Backup) Dir() string { return b.dir }

// NewBackup returns a [Backup] located at instance/id's backup directory,
// ready for [Catalog.WriteControlFile] — the constructor a backup-creating
// caller uses in place of the read paths ([Catalog.ListBackups],
// [Catalog.GetBackup]) that attach a location to an already-persisted
// control file.
func (c *Catalog) NewBackup(instance, id string) *Backup {
	b := &Backup{StartTime: mustParseBackupID(id)}
	b.setLocation(instance, c.BackupDir(instance, id))

	return b
}

func mustParseBackupID(id string) time.Time {
	t, err := ParseBackupID(id)
	if err != nil {
		return time.Time{}
	}

	return t
}

// Instance returns the owning instance name.
func (b *Backup) Instance() string { return b.instance }

// ListBackups reads every backup subdirectory of instance, parses its
// control file, and returns the backups sorted oldest-first by start time
// (matching the id's own ordering, since id = start_time).
//
// A backup directory whose control file is empty or missing start-time is
// skipped, per spec.md §4.7's "returns NULL ... caller treats as 'try
// again later'" — such a directory is either concurrently being created or
// genuinely not yet a real backup.
func (c *Catalog) ListBackups(instance string) ([]*Backup, error) {
	dir := c.InstanceDir(instance)

	entries, err := c.Backend.List(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: list backups for instance %s: %w", instance, err)
	}

	var backups []*Backup

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		backupDir := filepath.Join(dir, e.Name())

		b, err := c.readControlFile(backupDir)
		if err != nil {
			return nil, err
		}

		if b == nil {
			continue
		}

		b.setLocation(instance, backupDir)
		backups = append(backups, b)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].StartTime.Before(backups[j].StartTime)
	})

	return backups, nil
}

func (c *Catalog) readControlFile(backupDir string) (*Backup, error) {
	f, err := c.Backend.OpenRead(filepath.Join(backupDir, ControlFileName))
	if err != nil {
		return nil, nil //nolint:nilerr // missing control file: not yet a backup, caller retries later
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("catalog: stat control file in %s: %w", backupDir, err)
	}

	data := make([]byte, info.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("catalog: read control file in %s: %w", backupDir, err)
	}

	return ParseControlFile(data)
}

// WriteControlFile renders b and atomically writes it into b.Dir(),
// per spec.md §4.7: "writing is always 'to temp file, fsync, rename';
// writes occur only after reacquiring the exclusive lock on the backup
// directory." Acquiring that lock is the caller's responsibility (see
// internal/lock), matching spec.md §5's "read-modify-write that
// reacquires the exclusive lock."
func (c *Catalog) WriteControlFile(b *Backup) error {
	if b.dir == "" {
		return fmt.Errorf("catalog: backup has no on-disk location set")
	}

	writer := storage.NewAtomicWriter(c.Backend)
	opts := storage.DefaultWriteOptions()
	opts.Perm = 0o600

	path := filepath.Join(b.dir, ControlFileName)

	return writer.WriteBytes(path, EncodeControlFile(b), opts)
}

// GetBackup reads and parses a single backup's control file by id.
func (c *Catalog) GetBackup(instance, id string) (*Backup, error) {
	dir := c.BackupDir(instance, id)

	b, err := c.readControlFile(dir)
	if err != nil {
		return nil, err
	}

	if b == nil {
		return nil, fmt.Errorf("catalog: no backup %s/%s", instance, id)
	}

	b.setLocation(instance, dir)

	return b, nil
}

// FindParent returns the backup in backups whose ID equals parentID, the
// "resolves" half of spec.md §4.7's parent-chain invariant.
func FindParent(backups []*Backup, parentID string) (*Backup, bool) {
	for _, b := range backups {
		if b.ID() == parentID {
			return b, true
		}
	}

	return nil, false
}

func isValidStatus(s Status) bool {
	return s == StatusOK || s == StatusDone
}
