package cliapp

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/fileengine"
	"github.com/pgbackup/pgbackup/internal/headermap"
	"github.com/pgbackup/pgbackup/internal/pageiter"
	"github.com/pgbackup/pgbackup/internal/severity"
	"github.com/pgbackup/pgbackup/internal/storage"
	"github.com/pgbackup/pgbackup/internal/walker"
)

// MergeCmd folds a backup's incremental parent chain into a single,
// self-contained FULL backup at the same id. It replays the chain the
// same way restore does, into a scratch directory, then re-runs the file
// engine over that materialized tree in FULL mode so the destination
// backup ends up with its own manifest and header map, with no more
// parent-backup dependency.
func MergeCmd(app *App) *Command {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	instance := fs.String("instance", "", "instance name")
	backupID := fs.String("backup-id", "", "backup id to merge down to FULL")

	return &Command{
		Flags: fs,
		Usage: "merge --instance <name> --backup-id <id>",
		Short: "Merge a backup's incremental chain into a single FULL backup",
		Exec: func(_ context.Context, o *IO, _ *severity.Tracker, _ []string) error {
			return execMerge(o, app, *instance, *backupID)
		},
	}
}

func execMerge(o *IO, app *App, instance, backupID string) error {
	if instance == "" {
		return ErrInstanceRequired
	}

	if backupID == "" {
		return ErrBackupIDRequired
	}

	backups, err := app.Catalog.ListBackups(instance)
	if err != nil {
		return err
	}

	target, ok := catalog.FindParent(backups, backupID)
	if !ok {
		return ErrBackupIDRequired
	}

	if target.BackupMode == catalog.ModeFull {
		o.Println(instance+"/"+backupID, "is already FULL, nothing to merge")
		return nil
	}

	state, chain := catalog.ScanParentChain(backups, target)
	if state != catalog.ChainOk {
		return fmt.Errorf("merge: backup chain for %s/%s is %s", instance, backupID, state)
	}

	locks, err := catalog.LockBackupList(app.Locks, chain, 0, len(chain)-1, true, 30*time.Second)
	if err != nil {
		return err
	}
	defer releaseLocks(locks)

	scratchDir := target.Dir() + ".merge-tmp"
	if err := app.Backend.MakeDir(scratchDir, 0o750); err != nil {
		return err
	}
	defer func() { _ = removeAll(app.Backend, scratchDir) }()

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
		destPath := filepath.Join(scratchDir, path)

		for _, s := range sources {
			if s.rec.WriteSize == fileengine.FileNotFound {
				return fmt.Errorf("merge: %s/%s: source file %s is missing from %s, chain cannot be consolidated", instance, backupID, path, s.dir)
			}
		}

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

	files, err := walker.Walk(app.Backend, scratchDir, walker.Options{ExclusiveBackup: true})
	if err != nil {
		return err
	}

	databaseDir := filepath.Join(target.Dir(), catalog.DatabaseDirName)
	if err := removeAll(app.Backend, databaseDir); err != nil {
		return err
	}

	if err := app.Backend.MakeDir(databaseDir, 0o750); err != nil {
		return err
	}

	headerMapPath := filepath.Join(target.Dir(), catalog.HeaderMapFileName)
	if err := app.Backend.Remove(headerMapPath); err != nil {
		return err
	}

	hmap := headermap.New(app.Backend, headerMapPath)
	engine := fileengine.New(app.Backend, app.Backend, hmap)

	var (
		records   []fileengine.Record
		dataBytes int64
	)

	for _, f := range files {
		destPath := filepath.Join(databaseDir, f.RelPath)

		if err := app.Backend.MakeDir(filepath.Dir(destPath), 0o750); err != nil {
			return err
		}

		in := fileengine.Input{
			File:              f,
			Mode:              pageiter.ModeFull,
			BlockSize:         8192,
			ChecksumsEnabled:  true,
			RelBlocksPerSeg:   relBlocksPerSeg,
			CompressAlgorithm: parseCompressAlgorithm(app.Config.CompressAlgo),
			CompressLevel:     app.Config.CompressLevel,
		}

		rec, err := engine.BackupFile(in, destPath)
		if err != nil {
			return err
		}

		if rec.WriteSize > 0 {
			dataBytes += rec.WriteSize
		}

		records = append(records, rec)
	}

	if err := hmap.Close(); err != nil {
		return err
	}

	manifestData, manifestCRC := catalog.EncodeManifest(records)

	writer := storage.NewAtomicWriter(app.Backend)
	if err := writer.WriteBytes(filepath.Join(target.Dir(), catalog.ManifestFileName), manifestData, storage.DefaultWriteOptions()); err != nil {
		return err
	}

	target.BackupMode = catalog.ModeFull
	target.ParentBackupID = ""
	target.MergeTime = time.Now().UTC()
	target.DataBytes = dataBytes
	target.ContentCRC = manifestCRC
	target.Status = catalog.StatusOK

	if err := app.Catalog.WriteControlFile(target); err != nil {
		return err
	}

	for _, b := range chain[:len(chain)-1] {
		if err := removeAll(app.Backend, b.Dir()); err != nil {
			return err
		}
	}

	o.Println("merged", instance+"/"+backupID, "into a single FULL backup,", len(records), "files")

	return nil
}
