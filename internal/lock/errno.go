package lock

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isENOSPC(err error) bool {
	return errors.Is(err, unix.ENOSPC)
}

func isEROFS(err error) bool {
	return errors.Is(err, unix.EROFS)
}
