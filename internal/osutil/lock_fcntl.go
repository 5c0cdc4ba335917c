// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build aix || illumos || solaris

package osutil

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const locksSupported = true

// POSIX record locks are owned by the process, not the file description:
// two handles in the same process never conflict in the kernel,
// and closing either one releases both.
// recordLocks restores exclusion between handles.
var recordLocks = newLockTable(setRecordLock)

func lockFile(f *os.File, mode LockMode, block bool) error {
	return recordLocks.lock(f, mode, block)
}

func downgradeLock(f *os.File) error {
	return recordLocks.downgrade(f)
}

func unlockFile(f *os.File) error {
	return recordLocks.unlock(f)
}

func closeFile(f *os.File) error {
	return recordLocks.close(f)
}

func setRecordLock(f *os.File, mode LockMode, block bool) error {
	lk := &unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: io.SeekStart,
	}
	switch mode {
	case SharedLock:
		lk.Type = unix.F_RDLCK
	case ExclusiveLock:
		lk.Type = unix.F_WRLCK
	}
	cmd := unix.F_SETLK
	if block {
		cmd = unix.F_SETLKW
	}
	fd := f.Fd()
	err := ignoringEINTR(func() error {
		return unix.FcntlFlock(fd, cmd, lk)
	})
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
		return ErrWouldBlock
	}
	return err
}
