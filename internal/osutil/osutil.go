// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package osutil provides convenience functions for working with the local filesystem:
// advisory file locks and file identity.
package osutil

import (
	"errors"
	"fmt"
	"os"
)

// LockMode is the kind of advisory lock held on a file.
type LockMode int8

// Lock modes.
const (
	// SharedLock permits other processes to hold a [SharedLock] at the same time.
	SharedLock LockMode = 1 + iota
	// ExclusiveLock excludes all other locks.
	ExclusiveLock
)

// String returns "shared" or "exclusive".
func (mode LockMode) String() string {
	switch mode {
	case SharedLock:
		return "shared"
	case ExclusiveLock:
		return "exclusive"
	default:
		return fmt.Sprintf("LockMode(%d)", int8(mode))
	}
}

// ErrWouldBlock is returned by [TryLockFile]
// when the lock is held in a conflicting mode by another file handle.
var ErrWouldBlock = errors.New("lock would block")

// LockFile acquires an advisory lock on f,
// blocking until any conflicting lock is released.
// There is no timeout.
// If f already holds a lock, LockFile converts it to the given mode.
// Conversion is not atomic: another process may acquire the lock in between.
func LockFile(f *os.File, mode LockMode) error {
	if err := lockFile(f, mode, true); err != nil {
		return &os.PathError{Op: "lock", Path: f.Name(), Err: err}
	}
	return nil
}

// TryLockFile is like [LockFile], but returns [ErrWouldBlock] immediately
// if the lock cannot be acquired.
func TryLockFile(f *os.File, mode LockMode) error {
	err := lockFile(f, mode, false)
	if errors.Is(err, ErrWouldBlock) {
		return ErrWouldBlock
	}
	if err != nil {
		return &os.PathError{Op: "lock", Path: f.Name(), Err: err}
	}
	return nil
}

// DowngradeLock converts an [ExclusiveLock] held on f into a [SharedLock]
// without an interval in which the file is unlocked.
func DowngradeLock(f *os.File) error {
	if err := downgradeLock(f); err != nil {
		return &os.PathError{Op: "downgrade lock", Path: f.Name(), Err: err}
	}
	return nil
}

// UnlockFile releases any advisory lock held on f.
// Some platforms (notably Windows) do not promptly release a lock
// when the handle is closed, so callers should unlock before closing.
func UnlockFile(f *os.File) error {
	if err := unlockFile(f); err != nil {
		return &os.PathError{Op: "unlock", Path: f.Name(), Err: err}
	}
	return nil
}

// CloseFile releases any advisory lock held on f and closes it.
// Where locks belong to the process rather than the handle (POSIX record locks),
// closing any handle releases the locks of every handle on the file,
// so the close is postponed until no other handle in the process holds a lock on it.
// Callers that share a locked file within a process should close it with CloseFile.
func CloseFile(f *os.File) error {
	return closeFile(f)
}

func unlockAndClose(f *os.File) error {
	err := UnlockFile(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// LocksSupported reports whether the platform provides advisory file locks.
// On platforms without them (js, wasip1, plan9), the lock functions succeed
// without doing anything: such programs cannot have a concurrent writer.
func LocksSupported() bool {
	return locksSupported
}

// FileIdentity returns the filesystem's identifier for the open file f
// (the inode number on Unix-like systems, the file index on Windows).
// info must be the result of f.Stat().
// Platforms without a stable identifier return zero.
func FileIdentity(f *os.File, info os.FileInfo) (uint64, error) {
	return fileIdentity(f, info)
}
