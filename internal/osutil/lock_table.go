// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package osutil

import (
	"errors"
	"os"
	"sync"
	"syscall"
)

// A lockTable arbitrates locks between handles in this process
// for platforms whose kernel locks belong to the process
// rather than to the open file description (POSIX record locks).
// The kernel lock is held at the strongest mode any handle holds.
type lockTable struct {
	// set changes the kernel lock on f's file to mode.
	// A zero mode removes the lock.
	set func(f *os.File, mode LockMode, block bool) error

	mu      sync.Mutex
	changed *sync.Cond
	files   map[fileKey]*lockedFile
}

type fileKey struct {
	dev uint64
	ino uint64
}

type lockedFile struct {
	holders map[*os.File]LockMode
	// held is the mode of the kernel lock, or zero if there is none.
	held LockMode
	// busy is set while a handle changes the kernel lock
	// with the table's mutex released.
	busy bool
	// closing is the list of handles whose close waits
	// for the last holder to unlock.
	// Closing any handle on the file drops the kernel lock.
	closing []*os.File
}

func newLockTable(set func(f *os.File, mode LockMode, block bool) error) *lockTable {
	t := &lockTable{
		set:   set,
		files: make(map[fileKey]*lockedFile),
	}
	t.changed = sync.NewCond(&t.mu)
	return t
}

func lockKey(f *os.File) (fileKey, error) {
	info, err := f.Stat()
	if err != nil {
		return fileKey{}, err
	}
	ino, err := FileIdentity(f, info)
	if err != nil {
		return fileKey{}, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fileKey{}, errors.New("no device number")
	}
	return fileKey{dev: uint64(st.Dev), ino: ino}, nil
}

func (t *lockTable) lock(f *os.File, mode LockMode, block bool) error {
	key, err := lockKey(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	lf := t.entry(key)
	prev, converting := lf.holders[f]
	delete(lf.holders, f)
	for lf.busy || lf.conflicts(mode) {
		if !block {
			if converting {
				lf.holders[f] = prev
			}
			t.finish(key, lf)
			return ErrWouldBlock
		}
		t.changed.Wait()
		// The entry may have been dropped while waiting.
		lf = t.entry(key)
	}

	lf.holders[f] = mode
	if err := t.apply(f, lf, block); err != nil {
		delete(lf.holders, f)
		if converting && lf.held >= prev {
			lf.holders[f] = prev
		}
		t.finish(key, lf)
		return err
	}
	return nil
}

func (t *lockTable) downgrade(f *os.File) error {
	key, err := lockKey(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	lf := t.idle(key)
	if lf == nil || lf.holders[f] != ExclusiveLock {
		t.mu.Unlock()
		return t.lock(f, SharedLock, true)
	}
	lf.holders[f] = SharedLock
	err = t.apply(f, lf, false)
	t.mu.Unlock()
	return err
}

func (t *lockTable) unlock(f *os.File) error {
	key, err := lockKey(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	lf := t.idle(key)
	if lf == nil {
		return nil
	}
	if _, ok := lf.holders[f]; !ok {
		// Unlocking the kernel lock through f
		// would release the locks of the other handles.
		return nil
	}
	delete(lf.holders, f)
	err = t.apply(f, lf, false)
	t.finish(key, lf)
	return err
}

// close releases any lock f holds and closes it.
// The close is postponed while other handles hold locks on the file.
func (t *lockTable) close(f *os.File) error {
	key, err := lockKey(f)
	if err != nil {
		return f.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	lf := t.idle(key)
	if lf == nil {
		return f.Close()
	}
	var unlockErr error
	if _, ok := lf.holders[f]; ok {
		delete(lf.holders, f)
		if err := t.apply(f, lf, false); err != nil {
			unlockErr = &os.PathError{Op: "unlock", Path: f.Name(), Err: err}
		}
	}
	if len(lf.holders) > 0 {
		lf.closing = append(lf.closing, f)
		return unlockErr
	}
	t.finish(key, lf)
	closeErr := f.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// entry returns the entry for key, creating it if needed.
// t.mu must be held.
func (t *lockTable) entry(key fileKey) *lockedFile {
	lf := t.files[key]
	if lf == nil {
		lf = &lockedFile{holders: make(map[*os.File]LockMode)}
		t.files[key] = lf
	}
	return lf
}

// idle waits until no handle is changing the kernel lock on key
// and returns its entry, or nil if no handle is tracked.
// t.mu must be held.
func (t *lockTable) idle(key fileKey) *lockedFile {
	for {
		lf := t.files[key]
		if lf == nil || !lf.busy {
			return lf
		}
		t.changed.Wait()
	}
}

// apply changes the kernel lock through f to match lf's holders.
// t.mu must be held. It is released during the system call.
func (t *lockTable) apply(f *os.File, lf *lockedFile, block bool) error {
	want := lf.mode()
	if want == lf.held {
		return nil
	}
	block = block && want > lf.held
	lf.busy = true
	t.mu.Unlock()
	err := t.set(f, want, block)
	t.mu.Lock()
	lf.busy = false
	t.changed.Broadcast()
	if err != nil {
		return err
	}
	lf.held = want
	return nil
}

// finish closes postponed handles and drops lf
// once the process no longer holds a lock on its file.
// t.mu must be held.
func (t *lockTable) finish(key fileKey, lf *lockedFile) {
	if lf.busy || len(lf.holders) > 0 || lf.held != 0 {
		return
	}
	for _, f := range lf.closing {
		f.Close()
	}
	lf.closing = nil
	delete(t.files, key)
	t.changed.Broadcast()
}

// mode returns the strongest mode among the holders.
func (lf *lockedFile) mode() LockMode {
	var m LockMode
	for _, hm := range lf.holders {
		m = max(m, hm)
	}
	return m
}

// conflicts reports whether a new lock of the given mode
// must wait for the current holders.
func (lf *lockedFile) conflicts(mode LockMode) bool {
	if mode == ExclusiveLock {
		return len(lf.holders) > 0
	}
	return lf.mode() == ExclusiveLock
}
