// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package osutil

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

const locksSupported = true

func lockFile(f *os.File, mode LockMode, block bool) error {
	how := unix.LOCK_SH
	if mode == ExclusiveLock {
		how = unix.LOCK_EX
	}
	if !block {
		how |= unix.LOCK_NB
	}
	fd := int(f.Fd())
	err := ignoringEINTR(func() error {
		return unix.Flock(fd, how)
	})
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	return err
}

// downgradeLock relies on flock(2) converting the lock in place.
func downgradeLock(f *os.File) error {
	return lockFile(f, SharedLock, true)
}

func unlockFile(f *os.File) error {
	fd := int(f.Fd())
	return ignoringEINTR(func() error {
		return unix.Flock(fd, unix.LOCK_UN)
	})
}

func closeFile(f *os.File) error {
	return unlockAndClose(f)
}
