//go:build !unix

package filestore

import (
	"errors"
	"os"
)

var errLockUnsupported = errors.New("filestore: advisory file locks are not supported on this platform")

func tryLock(f *os.File) (bool, error) {
	return false, errLockUnsupported
}

func unlock(f *os.File) error {
	return errLockUnsupported
}
