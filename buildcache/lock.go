// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/seyhajin/zig-sub000/internal/osutil"
	"zombiezen.com/go/log"
)

// A Lock is an advisory lock on a manifest file
// that has been detached from its [Session].
type Lock struct {
	f *os.File
}

// Release unlocks and closes the manifest file.
// Calling Release on a nil or already released Lock does nothing.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	return osutil.CloseFile(f)
}

// openManifest opens (creating if necessary) and locks the session's manifest.
// It prefers an exclusive lock.
// If WantSharedLock is set and another process holds the lock,
// it waits for a shared lock instead:
// the other process is checking or writing the same entry,
// and reading alongside it is safe.
func (s *Session) openManifest(ctx context.Context) error {
	for {
		f, err := os.OpenFile(s.manifestPath, os.O_RDWR|os.O_CREATE, 0o666)
		if errors.Is(err, fs.ErrNotExist) {
			// Concurrent creators can see ENOENT from O_CREAT on some systems.
			// Retrying with O_EXCL separates a lost race from a missing directory.
			f, err = os.OpenFile(s.manifestPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
			if errors.Is(err, fs.ErrExist) {
				log.Debugf(ctx, "Lost race creating %s; retrying", s.manifestPath)
				continue
			}
		}
		if err != nil {
			return &ManifestError{Op: "create", Path: s.manifestPath, Err: err}
		}

		if err := s.lockNewManifest(ctx, f); err != nil {
			osutil.CloseFile(f)
			return &ManifestError{Op: "lock", Path: s.manifestPath, Err: err}
		}
		s.manifest = f
		return nil
	}
}

func (s *Session) lockNewManifest(ctx context.Context, f *os.File) error {
	if !s.WantSharedLock {
		if err := osutil.LockFile(f, osutil.ExclusiveLock); err != nil {
			return err
		}
		s.haveExclusive = true
		return nil
	}

	err := osutil.TryLockFile(f, osutil.ExclusiveLock)
	if err == nil {
		s.haveExclusive = true
		return nil
	}
	if err != osutil.ErrWouldBlock {
		return err
	}
	log.Debugf(ctx, "%s is locked by another process; waiting for shared lock", s.manifestPath)
	if err := osutil.LockFile(f, osutil.SharedLock); err != nil {
		return err
	}
	s.haveExclusive = false
	return nil
}

// upgradeToExclusiveLock converts a shared lock to an exclusive one,
// reporting whether the lock changed.
// The shared lock is released before the exclusive lock is acquired,
// so another process may write the manifest in between.
func (s *Session) upgradeToExclusiveLock(ctx context.Context) (bool, error) {
	if s.haveExclusive {
		return false, nil
	}
	log.Debugf(ctx, "Upgrading %s to exclusive lock", s.manifestPath)
	if err := osutil.UnlockFile(s.manifest); err != nil {
		return false, &ManifestError{Op: "lock", Path: s.manifestPath, Err: err}
	}
	if err := osutil.LockFile(s.manifest, osutil.ExclusiveLock); err != nil {
		return false, &ManifestError{Op: "lock", Path: s.manifestPath, Err: err}
	}
	s.haveExclusive = true
	return true, nil
}

func (s *Session) downgradeToSharedLock() error {
	if !s.haveExclusive {
		return nil
	}
	if err := osutil.DowngradeLock(s.manifest); err != nil {
		return &ManifestError{Op: "lock", Path: s.manifestPath, Err: err}
	}
	s.haveExclusive = false
	return nil
}
