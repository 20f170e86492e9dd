package cliapp

import (
	"context"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/pgbackup/pgbackup/internal/render"
	"github.com/pgbackup/pgbackup/internal/severity"
	"github.com/pgbackup/pgbackup/internal/toolconfig"
)

// ShowConfigCmd renders the CLI's own effective configuration.
func ShowConfigCmd(app *App) *Command {
	fs := flag.NewFlagSet("show-config", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "render as JSON instead of key=value lines")

	return &Command{
		Flags: fs,
		Usage: "show-config [--json]",
		Short: "Show the effective CLI configuration and its sources",
		Exec: func(_ context.Context, o *IO, _ *severity.Tracker, _ []string) error {
			format := render.FormatPlain
			if *asJSON {
				format = render.FormatJSON
			}

			return render.Config(o.Out(), app.Config, app.Sources, format)
		},
	}
}

// SetConfigCmd writes (or rewrites) the project-level preferences file.
func SetConfigCmd(app *App) *Command {
	fs := flag.NewFlagSet("set-config", flag.ContinueOnError)
	catalogDir := fs.String("catalog-dir", "", "set catalog_dir")
	compressAlgo := fs.String("compress-algorithm", "", "set compress_algorithm")
	compressLevel := fs.Int("compress-level", 0, "set compress_level")
	threads := fs.Int("threads", 0, "set threads")
	walDepth := fs.Int("wal-depth", 0, "set wal_depth")

	return &Command{
		Flags: fs,
		Usage: "set-config [--catalog-dir <dir>] [--compress-algorithm <alg>] [--compress-level <n>] [--threads <n>] [--wal-depth <n>]",
		Short: "Update the project-level CLI configuration file",
		Exec: func(_ context.Context, o *IO, _ *severity.Tracker, _ []string) error {
			cfg := app.Config

			if fs.Changed("catalog-dir") {
				cfg.CatalogDir = *catalogDir
			}

			if fs.Changed("compress-algorithm") {
				cfg.CompressAlgo = *compressAlgo
			}

			if fs.Changed("compress-level") {
				cfg.CompressLevel = *compressLevel
			}

			if fs.Changed("threads") {
				cfg.Threads = *threads
			}

			if fs.Changed("wal-depth") {
				cfg.WALDepth = *walDepth
			}

			data, err := toolconfig.Format(cfg)
			if err != nil {
				return err
			}

			path := app.Sources.Project
			if path == "" {
				path = filepath.Join(app.WorkDir, toolconfig.FileName)
			}

			if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
				return err
			}

			o.Println("wrote", path)

			return nil
		},
	}
}
