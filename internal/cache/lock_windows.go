//go:build windows

package cache

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

const lockRange = ^uint32(0)

func tryLockFile(f *os.File, exclusive bool) (bool, error) {
	flags := uint32(windows.LOCKFILE_FAIL_IMMEDIATELY)
	if exclusive {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}

	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, lockRange, lockRange, ol)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return false, nil
	}

	return false, err
}

func unlockFile(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, lockRange, lockRange, ol)
}
