package cliapp

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/fileengine"
	"github.com/pgbackup/pgbackup/internal/headermap"
	"github.com/pgbackup/pgbackup/internal/pagecodec"
	"github.com/pgbackup/pgbackup/internal/severity"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ValidateCmd re-reads a backup's stored data and recomputes every page's
// checksum (and every non-datafile's whole-file CRC), reporting mismatches
// without modifying anything but the backup's own status.
func ValidateCmd(app *App) *Command {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	instance := fs.String("instance", "", "instance name")
	backupID := fs.String("backup-id", "", "backup id")

	return &Command{
		Flags: fs,
		Usage: "validate --instance <name> --backup-id <id>",
		Short: "Verify a backup's stored pages and files against their recorded checksums",
		Exec: func(_ context.Context, o *IO, tr *severity.Tracker, _ []string) error {
			return execValidate(o, tr, app, *instance, *backupID)
		},
	}
}

func execValidate(o *IO, tr *severity.Tracker, app *App, instance, backupID string) error {
	if instance == "" {
		return ErrInstanceRequired
	}

	if backupID == "" {
		return ErrBackupIDRequired
	}

	b, err := app.Catalog.GetBackup(instance, backupID)
	if err != nil {
		return err
	}

	lk, status, err := app.Locks.AcquireShared(b.Dir(), 30*time.Second)
	if err != nil {
		return err
	}

	if status != 0 {
		return lockStatusErr(status)
	}
	defer lk.Close()

	records, err := readManifest(app, b)
	if err != nil {
		return err
	}

	corrupt := false

	for _, rec := range records {
		if rec.WriteSize <= 0 {
			continue
		}

		dataPath := filepath.Join(b.Dir(), catalog.DatabaseDirName, rec.Path)

		if rec.IsDatafile {
			mismatches, err := validateDatafile(app, b.Dir(), dataPath, rec)
			if err != nil {
				return err
			}

			for _, blockNo := range mismatches {
				o.Warn(fmt.Sprintf("PAGE_CHECKSUM_MISMATCH %s block %d", rec.Path, blockNo))
				tr.Record(severity.Error)
				corrupt = true
			}

			continue
		}

		ok, err := validateFileCRC(app, dataPath, rec.CRC)
		if err != nil {
			return err
		}

		if !ok {
			o.Warn(fmt.Sprintf("FILE_CRC_MISMATCH %s", rec.Path))
			tr.Record(severity.Error)
			corrupt = true
		}
	}

	if corrupt {
		b.Status = catalog.StatusCorrupt
	}

	if err := app.Catalog.WriteControlFile(b); err != nil {
		return err
	}

	if corrupt {
		o.Println("validate", instance+"/"+backupID, "FAILED")
	} else {
		o.Println("validate", instance+"/"+backupID, "OK")
	}

	return nil
}

func validateDatafile(app *App, backupDir, dataPath string, rec fileengine.Record) ([]uint32, error) {
	if rec.NHeaders == 0 {
		return nil, nil
	}

	entries, err := headermap.Read(app.Backend, filepath.Join(backupDir, catalog.HeaderMapFileName), headermap.Location{
		Offset:   rec.HdrOff,
		Size:     rec.HdrSize,
		CRC:      rec.HdrCRC,
		NHeaders: rec.NHeaders,
	})
	if err != nil {
		return nil, err
	}

	algo := parseCompressAlgorithm(rec.CompressAlg)

	segno := rec.Segno
	if segno < 0 {
		segno = 0
	}

	f, err := app.Backend.OpenRead(dataPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mismatches []uint32

	for i := 0; i < len(entries)-1; i++ {
		entry := entries[i]
		next := entries[i+1]

		if _, err := f.Seek(entry.OffsetInFile, io.SeekStart); err != nil {
			return nil, err
		}

		buf := make([]byte, next.OffsetInFile-entry.OffsetInFile)
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, err
		}

		var block []byte
		if int64(len(buf)) == int64(8192) {
			block = buf
		} else {
			block, err = pagecodec.Decode(buf, algo, 8192)
			if err != nil {
				mismatches = append(mismatches, entry.BlockNo)
				continue
			}
		}

		absoluteBlockNo := uint32(segno)*relBlocksPerSeg + entry.BlockNo

		res, err := pagecodec.Encode(block, pagecodec.EncodeOptions{BlockSize: 8192, ChecksumsEnabled: true, AbsoluteBlockNo: absoluteBlockNo})
		if err != nil || res.Result == pagecodec.HeaderInvalid {
			mismatches = append(mismatches, entry.BlockNo)
			continue
		}

		if res.Result == pagecodec.Valid && res.Checksum != entry.Checksum {
			mismatches = append(mismatches, entry.BlockNo)
		}
	}

	return mismatches, nil
}

func validateFileCRC(app *App, path string, want uint32) (bool, error) {
	f, err := app.Backend.OpenRead(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := crc32.New(crc32cTable)
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}

	return h.Sum32() == want, nil
}
