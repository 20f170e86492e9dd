package cliapp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/fileengine"
	"github.com/pgbackup/pgbackup/internal/headermap"
	"github.com/pgbackup/pgbackup/internal/lock"
	"github.com/pgbackup/pgbackup/internal/restoreengine"
	"github.com/pgbackup/pgbackup/internal/severity"
)

// RestoreCmd replays a backup's full parent chain into a target directory.
func RestoreCmd(app *App) *Command {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	instance := fs.String("instance", "", "instance name")
	backupID := fs.String("backup-id", "", "backup id to restore (restores the chain it closes)")
	target := fs.String("target-dir", "", "destination directory")

	return &Command{
		Flags: fs,
		Usage: "restore --instance <name> --backup-id <id> --target-dir <dir>",
		Short: "Restore a backup (and its parent chain) into a target directory",
		Exec: func(_ context.Context, o *IO, _ *severity.Tracker, _ []string) error {
			return execRestore(o, app, *instance, *backupID, *target)
		},
	}
}

// chainEntry pairs a manifest record with the on-disk backup directory it
// was read from, so the restore loop can locate the record's data blob
// and header-map slab after the per-path grouping below discards the
// originating *catalog.Backup.
type chainEntry struct {
	dir string
	rec fileengine.Record
}

func execRestore(o *IO, app *App, instance, backupID, target string) error {
	if instance == "" {
		return ErrInstanceRequired
	}

	if backupID == "" {
		return ErrBackupIDRequired
	}

	if target == "" {
		return ErrTargetRequired
	}

	backups, err := app.Catalog.ListBackups(instance)
	if err != nil {
		return err
	}

	head, ok := catalog.FindParent(backups, backupID)
	if !ok {
		return ErrBackupIDRequired
	}

	state, chain := catalog.ScanParentChain(backups, head)
	if state != catalog.ChainOk {
		return fmt.Errorf("restore: backup chain for %s/%s is %s", instance, backupID, state)
	}

	locks, err := catalog.LockBackupList(app.Locks, chain, 0, len(chain)-1, false, 30*time.Second)
	if err != nil {
		return err
	}
	defer releaseLocks(locks)

	byPath := make(map[string][]chainEntry)

	var order []string

	for _, b := range chain {
		records, err := readManifest(app, b)
		if err != nil {
			return err
		}

		for _, rec := range records {
			if _, seen := byPath[rec.Path]; !seen {
				order = append(order, rec.Path)
			}

			byPath[rec.Path] = append(byPath[rec.Path], chainEntry{dir: b.Dir(), rec: rec})
		}
	}

	for _, path := range order {
		sources := byPath[path]
		destPath := filepath.Join(target, path)

		if err := app.Backend.MakeDir(filepath.Dir(destPath), 0o750); err != nil {
			return err
		}

		if sources[len(sources)-1].rec.IsDatafile {
			if err := restoreDatafilePath(app, destPath, sources); err != nil {
				return err
			}

			continue
		}

		if err := restoreNonDatafilePath(app, destPath, sources); err != nil {
			return err
		}
	}

	o.Println("restored", instance+"/"+backupID, "to", target, "(", len(order), "files )")

	return nil
}

func restoreDatafilePath(app *App, destPath string, sources []chainEntry) error {
	links := make([]restoreengine.ChainLink, 0, len(sources))

	for _, s := range sources {
		var headers []headermap.Entry

		if s.rec.WriteSize > 0 && s.rec.NHeaders > 0 {
			var err error

			headers, err = headermap.Read(app.Backend, filepath.Join(s.dir, catalog.HeaderMapFileName), headermap.Location{
				Offset:   s.rec.HdrOff,
				Size:     s.rec.HdrSize,
				CRC:      s.rec.HdrCRC,
				NHeaders: s.rec.NHeaders,
			})
			if err != nil {
				return err
			}
		}

		links = append(links, restoreengine.ChainLink{
			Backend:   app.Backend,
			DataPath:  filepath.Join(s.dir, catalog.DatabaseDirName, s.rec.Path),
			Headers:   headers,
			Algorithm: parseCompressAlgorithm(s.rec.CompressAlg),
			WriteSize: s.rec.WriteSize,
			Segno:     s.rec.Segno,
		})
	}

	dst, err := app.Backend.OpenWrite(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer dst.Close()

	return restoreengine.RestoreDatafile(dst, links, 8192)
}

func restoreNonDatafilePath(app *App, destPath string, sources []chainEntry) error {
	links := make([]restoreengine.NonDataFileLink, 0, len(sources))

	for _, s := range sources {
		links = append(links, restoreengine.NonDataFileLink{
			Backend:   app.Backend,
			DataPath:  filepath.Join(s.dir, catalog.DatabaseDirName, s.rec.Path),
			WriteSize: s.rec.WriteSize,
			CRC:       s.rec.CRC,
		})
	}

	return restoreengine.RestoreNonDataFile(app.Backend, destPath, links, nil)
}

func readManifest(app *App, b *catalog.Backup) ([]fileengine.Record, error) {
	f, err := app.Backend.OpenRead(filepath.Join(b.Dir(), catalog.ManifestFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	return catalog.DecodeManifest(data, b.ContentCRC)
}

func releaseLocks(locks []*lock.Lock) {
	for i := len(locks) - 1; i >= 0; i-- {
		_ = locks[i].Close()
	}
}
