// Package cliapp implements spec.md §6.4's CLI contract: a
// Command/IO dispatcher in the style of the teacher's internal/cli
// package, wiring the catalog, lock manager, timeline tree, and
// backup/restore engines into the twelve subcommands named there.
package cliapp

import (
	"path/filepath"

	"github.com/pgbackup/pgbackup/internal/cancel"
	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/lock"
	"github.com/pgbackup/pgbackup/internal/storage"
	"github.com/pgbackup/pgbackup/internal/toolconfig"
)

// App bundles the dependencies every command closes over: the resolved
// tool configuration, the catalog rooted at cfg.CatalogDir, and a lock
// manager sharing the process-wide cancellation flag.
type App struct {
	Config  toolconfig.Config
	Sources toolconfig.Sources
	WorkDir string

	Backend storage.Backend
	Catalog *catalog.Catalog
	Locks   *lock.Manager
}

// New builds an App rooted at workDir, using cfg as the resolved tool
// configuration. The catalog directory is resolved relative to workDir
// when cfg.CatalogDir is not absolute.
func New(workDir string, cfg toolconfig.Config, sources toolconfig.Sources) *App {
	backend := storage.NewReal()

	catalogRoot := cfg.CatalogDir
	if !filepath.IsAbs(catalogRoot) {
		catalogRoot = filepath.Join(workDir, catalogRoot)
	}

	return &App{
		Config:  cfg,
		Sources: sources,
		WorkDir: workDir,
		Backend: backend,
		Catalog: catalog.New(backend, catalogRoot),
		Locks:   lock.NewManager(backend, cancel.Global()),
	}
}
