// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

const locksSupported = true

// allBytes is the length passed to LockFileEx to cover the whole file.
const allBytes = ^uint32(0)

func lockFile(f *os.File, mode LockMode, block bool) error {
	var flags uint32
	if mode == ExclusiveLock {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	if !block {
		flags |= windows.LOCKFILE_FAIL_IMMEDIATELY
	}
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, allBytes, allBytes, ol)
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) || errors.Is(err, windows.ERROR_IO_PENDING) {
		return ErrWouldBlock
	}
	return err
}

// downgradeLock takes a second, shared lock on the range,
// which clears the exclusive flag,
// then unlocks once to drop the extra reference.
func downgradeLock(f *os.File) error {
	if err := lockFile(f, SharedLock, false); err != nil {
		return err
	}
	return unlockFile(f)
}

func unlockFile(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, allBytes, allBytes, ol)
}

func closeFile(f *os.File) error {
	return unlockAndClose(f)
}

func fileIdentity(f *os.File, info os.FileInfo) (uint64, error) {
	var d windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(windows.Handle(f.Fd()), &d); err != nil {
		return 0, &os.PathError{Op: "GetFileInformationByHandle", Path: f.Name(), Err: err}
	}
	return uint64(d.FileIndexHigh)<<32 | uint64(d.FileIndexLow), nil
}
