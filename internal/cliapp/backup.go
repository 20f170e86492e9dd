package cliapp

import (
	"context"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/fileengine"
	"github.com/pgbackup/pgbackup/internal/headermap"
	"github.com/pgbackup/pgbackup/internal/pagecodec"
	"github.com/pgbackup/pgbackup/internal/pageiter"
	"github.com/pgbackup/pgbackup/internal/severity"
	"github.com/pgbackup/pgbackup/internal/storage"
	"github.com/pgbackup/pgbackup/internal/walker"
)

// relBlocksPerSeg is RELSEG_SIZE for an 8 KiB block size (1 GiB segments).
const relBlocksPerSeg = 131072

func parseBackupMode(s string) (catalog.Mode, pageiter.Mode, error) {
	switch catalog.Mode(s) {
	case catalog.ModeFull, "":
		return catalog.ModeFull, pageiter.ModeFull, nil
	case catalog.ModeDelta:
		return catalog.ModeDelta, pageiter.ModeDelta, nil
	case catalog.ModePage:
		return catalog.ModePage, pageiter.ModePage, nil
	case catalog.ModePTrack:
		return catalog.ModePTrack, pageiter.ModePTrack, nil
	default:
		return "", 0, ErrUnknownBackupMode
	}
}

func parseCompressAlgorithm(s string) pagecodec.Algorithm {
	switch s {
	case "zlib":
		return pagecodec.AlgorithmZlib
	case "lz4":
		return pagecodec.AlgorithmLZ4
	case "zstd":
		return pagecodec.AlgorithmZstd
	default:
		return pagecodec.AlgorithmNone
	}
}

// BackupCmd runs one backup of a PGDATA directory into the catalog.
//
// pgbackup never talks to a live PostgreSQL server (spec.md's "no live
// database page producer" Non-goal), so the start/stop LSN an operator
// would normally obtain from pg_backup_start()/pg_backup_stop() must be
// passed explicitly; PAGE/DELTA backups then apply the per-page LSN
// comparison spec.md §4.4 describes without needing a pagemap at all.
func BackupCmd(app *App) *Command {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	instance := fs.String("instance", "", "instance name")
	pgdata := fs.String("pgdata", "", "source PGDATA directory")
	mode := fs.String("backup-mode", "FULL", "FULL, PAGE, PTRACK, or DELTA")
	timelineID := fs.Uint32("timeline-id", 1, "source server timeline id")
	startLSN := fs.String("start-lsn", "", "HEX/HEX LSN, required for non-FULL modes")
	stopLSN := fs.String("stop-lsn", "", "HEX/HEX LSN")
	threads := fs.Int("threads", 0, "accepted but unused: files are copied one at a time")
	compressAlgo := fs.String("compress-algorithm", "", "none, zlib, lz4, or zstd (empty = use config default)")
	compressLevel := fs.Int("compress-level", 0, "0 = use config default")
	note := fs.String("note", "", "free-text note stored on the backup")
	noValidate := fs.Bool("no-validate", false, "skip page validation (unused placeholder, matches the core's non-goal)")
	noSync := fs.Bool("no-sync", false, "skip fsync on data files (unused placeholder)")

	_ = threads
	_ = noValidate
	_ = noSync

	return &Command{
		Flags: fs,
		Usage: "backup --instance <name> --pgdata <dir> [--backup-mode FULL|PAGE|PTRACK|DELTA] [--start-lsn <lsn>] [--stop-lsn <lsn>] [flags]",
		Short: "Back up a PGDATA directory into the catalog",
		Exec: func(_ context.Context, o *IO, tr *severity.Tracker, _ []string) error {
			return execBackup(o, tr, app, backupArgs{
				instance:      *instance,
				pgdata:        *pgdata,
				mode:          *mode,
				timelineID:    *timelineID,
				startLSN:      *startLSN,
				stopLSN:       *stopLSN,
				compressAlgo:  *compressAlgo,
				compressLevel: *compressLevel,
				note:          *note,
			})
		},
	}
}

type backupArgs struct {
	instance      string
	pgdata        string
	mode          string
	timelineID    uint32
	startLSN      string
	stopLSN       string
	compressAlgo  string
	compressLevel int
	note          string
}

func execBackup(o *IO, tr *severity.Tracker, app *App, a backupArgs) error {
	if a.instance == "" {
		return ErrInstanceRequired
	}

	if a.pgdata == "" {
		return ErrPGDataRequired
	}

	backupMode, pageiterMode, err := parseBackupMode(a.mode)
	if err != nil {
		return err
	}

	var startLSN, stopLSN uint64

	if backupMode != catalog.ModeFull {
		if a.startLSN == "" {
			return ErrStartLSNRequired
		}

		if startLSN, err = parseLSN(a.startLSN); err != nil {
			return err
		}
	}

	if a.stopLSN != "" {
		if stopLSN, err = parseLSN(a.stopLSN); err != nil {
			return err
		}
	}

	var parent *catalog.Backup

	if backupMode != catalog.ModeFull {
		existing, err := app.Catalog.ListBackups(a.instance)
		if err != nil {
			return err
		}

		parent, err = catalog.GetLastDataBackup(existing, a.timelineID)
		if err != nil {
			return err
		}

		if parent == nil {
			return ErrNoParentBackup
		}
	}

	start := time.Now().UTC()
	id := catalog.FormatBackupID(start)
	dir := app.Catalog.BackupDir(a.instance, id)

	lk, status, err := app.Locks.AcquireExclusive(dir, 30*time.Second, true)
	if err != nil {
		return err
	}

	if status != 0 {
		return lockStatusErr(status)
	}
	defer lk.Close()

	compressAlgo := parseCompressAlgorithm(a.compressAlgo)
	if a.compressAlgo == "" {
		compressAlgo = parseCompressAlgorithm(app.Config.CompressAlgo)
	}

	compressLevel := a.compressLevel
	if compressLevel == 0 {
		compressLevel = app.Config.CompressLevel
	}

	databaseDir := filepath.Join(dir, catalog.DatabaseDirName)
	if err := app.Backend.MakeDir(databaseDir, 0o750); err != nil {
		return err
	}

	files, err := walker.Walk(app.Backend, a.pgdata, walker.Options{ExclusiveBackup: true})
	if err != nil {
		return err
	}

	hmap := headermap.New(app.Backend, filepath.Join(dir, catalog.HeaderMapFileName))
	defer hmap.Close()

	engine := fileengine.New(app.Backend, app.Backend, hmap)

	var (
		records            []fileengine.Record
		dataBytes, walBytes int64
	)

	for _, f := range files {
		destPath := filepath.Join(databaseDir, f.RelPath)

		if err := app.Backend.MakeDir(filepath.Dir(destPath), 0o750); err != nil {
			return err
		}

		in := fileengine.Input{
			File:              f,
			Mode:              pageiterMode,
			ExistedInPrev:     parent != nil,
			PagemapIsAbsent:   true, // no pagemap here: incremental modes compare page LSNs
			BackupStartUnix:   start.Unix(),
			StartLSN:          startLSN,
			BlockSize:         8192,
			ChecksumsEnabled:  true,
			RelBlocksPerSeg:   relBlocksPerSeg,
			CompressAlgorithm: compressAlgo,
			CompressLevel:     compressLevel,
		}

		rec, err := engine.BackupFile(in, destPath)
		if err != nil {
			o.Warn(err.Error())
			tr.Record(severity.Error)

			continue
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
	if err := writer.WriteBytes(filepath.Join(dir, catalog.ManifestFileName), manifestData, storage.DefaultWriteOptions()); err != nil {
		return err
	}

	b := app.Catalog.NewBackup(a.instance, id)
	b.BackupMode = backupMode
	b.TimelineID = a.timelineID
	b.StartLSN = startLSN
	b.StopLSN = stopLSN
	b.StartTime = start
	b.EndTime = time.Now().UTC()
	b.DataBytes = dataBytes
	b.WALBytes = walBytes
	b.Status = catalog.StatusOK
	b.CompressAlg = compressAlgo.String()
	b.CompressLevel = compressLevel
	b.BlockSize = 8192
	b.ChecksumVersion = 1
	b.Note = a.note
	b.ContentCRC = manifestCRC

	if parent != nil {
		b.ParentBackupID = parent.ID()
	}

	if err := app.Catalog.WriteControlFile(b); err != nil {
		return err
	}

	o.Println("backup", id, "completed:", len(records), "files,", dataBytes, "data bytes")

	return nil
}
