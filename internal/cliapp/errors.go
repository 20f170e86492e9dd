package cliapp

import "errors"

var (
	ErrInstanceRequired   = errors.New("--instance is required")
	ErrBackupIDRequired   = errors.New("--backup-id is required")
	ErrPGDataRequired     = errors.New("--pgdata is required")
	ErrTargetRequired     = errors.New("--target-dir is required")
	ErrUnknownBackupMode  = errors.New("unknown --backup-mode")
	ErrInstanceExists     = errors.New("instance already exists")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrNoParentBackup     = errors.New("no valid parent backup found for incremental backup")
	ErrStartLSNRequired   = errors.New("--start-lsn is required (pgbackup does not connect to a live server)")
	ErrStopLSNRequired    = errors.New("--stop-lsn is required (pgbackup does not connect to a live server)")
)
