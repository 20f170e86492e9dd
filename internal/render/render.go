// Package render formats catalog state for the `show` and `show-config`
// subcommands. It is kept deliberately thin — formatting only, no new
// domain logic — per SPEC_FULL.md's framing of the CLI as an external
// collaborator the core doesn't depend on.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/toolconfig"
)

// Format selects the output shape for `show`/`show-config`.
type Format string

const (
	FormatPlain Format = "plain"
	FormatJSON  Format = "json"
)

// Backups writes instance's backup list to w in the requested format.
func Backups(w io.Writer, instance string, backups []*catalog.Backup, format Format) error {
	if format == FormatJSON {
		return writeJSON(w, backupsToJSON(backups))
	}

	return writeBackupsPlain(w, instance, backups)
}

type backupJSON struct {
	Instance   string `json:"instance"`
	ID         string `json:"id"`
	ParentID   string `json:"parent_id,omitempty"` //nolint:tagliatelle
	Mode       string `json:"backup_mode"`          //nolint:tagliatelle
	Status     string `json:"status"`
	TimelineID uint32 `json:"timeline_id"` //nolint:tagliatelle
	StartLSN   uint64 `json:"start_lsn"`   //nolint:tagliatelle
	StopLSN    uint64 `json:"stop_lsn"`    //nolint:tagliatelle
	DataBytes  int64  `json:"data_bytes"`  //nolint:tagliatelle
	WALBytes   int64  `json:"wal_bytes"`   //nolint:tagliatelle
}

func backupsToJSON(backups []*catalog.Backup) []backupJSON {
	out := make([]backupJSON, 0, len(backups))

	for _, b := range backups {
		out = append(out, backupJSON{
			Instance:   b.Instance(),
			ID:         b.ID(),
			ParentID:   b.ParentBackupID,
			Mode:       string(b.BackupMode),
			Status:     string(b.Status),
			TimelineID: b.TimelineID,
			StartLSN:   b.StartLSN,
			StopLSN:    b.StopLSN,
			DataBytes:  b.DataBytes,
			WALBytes:   b.WALBytes,
		})
	}

	return out
}

func writeBackupsPlain(w io.Writer, instance string, backups []*catalog.Backup) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "INSTANCE\tID\tPARENT\tMODE\tSTATUS\tTLI\tDATA\tWAL\n")

	for _, b := range backups {
		parent := b.ParentBackupID
		if parent == "" {
			parent = "-"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			instance, b.ID(), parent, b.BackupMode, b.Status, b.TimelineID, b.DataBytes, b.WALBytes)
	}

	return tw.Flush()
}

// Config writes the effective CLI config to w.
func Config(w io.Writer, cfg toolconfig.Config, sources toolconfig.Sources, format Format) error {
	if format == FormatJSON {
		return writeJSON(w, cfg)
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "catalog_dir=%s\n", cfg.CatalogDir)
	fmt.Fprintf(&sb, "compress_algorithm=%s\n", cfg.CompressAlgo)
	fmt.Fprintf(&sb, "compress_level=%d\n", cfg.CompressLevel)
	fmt.Fprintf(&sb, "threads=%d\n", cfg.Threads)
	fmt.Fprintf(&sb, "wal_depth=%d\n", cfg.WALDepth)
	fmt.Fprintf(&sb, "no_validate=%t\n", cfg.NoValidate)
	fmt.Fprintf(&sb, "no_sync=%t\n", cfg.NoSync)
	sb.WriteString("\n# sources\n")

	switch {
	case sources.Global == "" && sources.Project == "":
		sb.WriteString("(defaults only)\n")
	default:
		if sources.Global != "" {
			fmt.Fprintf(&sb, "global_config=%s\n", sources.Global)
		}

		if sources.Project != "" {
			fmt.Fprintf(&sb, "project_config=%s\n", sources.Project)
		}
	}

	_, err := io.WriteString(w, sb.String())

	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
