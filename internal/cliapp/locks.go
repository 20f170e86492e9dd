package cliapp

import (
	"fmt"

	"github.com/pgbackup/pgbackup/internal/lock"
)

// lockStatusErr turns a non-OK [lock.Status] into an error a command can
// surface directly, mirroring internal/catalog's private lockStatusError.
func lockStatusErr(status lock.Status) error {
	switch status {
	case lock.StatusTimeout:
		return fmt.Errorf("%w", lock.ErrTimeout)
	case lock.StatusENOSPC:
		return fmt.Errorf("lock: filesystem full")
	case lock.StatusEROFS:
		return fmt.Errorf("lock: filesystem read-only")
	default:
		return fmt.Errorf("lock: status %s", status)
	}
}
