// Package main provides pgbackup, a physical backup catalog, locking
// layer, and page-level backup/restore engine for PostgreSQL-style data
// directories.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pgbackup/pgbackup/internal/cliapp"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := cliapp.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, os.Environ(), sigCh)

	os.Exit(exitCode)
}
