// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build aix || darwin || dragonfly || freebsd || illumos || linux || netbsd || openbsd || solaris

package osutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTwice(t *testing.T) (f1, f2 *os.File) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lockfile")
	f1, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f1.Close() })
	f2, err = os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f2.Close() })
	return f1, f2
}

func TestTryLockFile(t *testing.T) {
	tests := []struct {
		first  LockMode
		second LockMode
		want   error
	}{
		{SharedLock, SharedLock, nil},
		{SharedLock, ExclusiveLock, ErrWouldBlock},
		{ExclusiveLock, SharedLock, ErrWouldBlock},
		{ExclusiveLock, ExclusiveLock, ErrWouldBlock},
	}
	for _, test := range tests {
		f1, f2 := openTwice(t)
		if err := LockFile(f1, test.first); err != nil {
			t.Errorf("LockFile(f1, %v): %v", test.first, err)
			continue
		}
		if err := TryLockFile(f2, test.second); err != test.want {
			t.Errorf("after LockFile(f1, %v), TryLockFile(f2, %v) = %v; want %v", test.first, test.second, err, test.want)
		}
	}
}

func TestDowngradeLock(t *testing.T) {
	f1, f2 := openTwice(t)
	if err := LockFile(f1, ExclusiveLock); err != nil {
		t.Fatal(err)
	}
	if err := DowngradeLock(f1); err != nil {
		t.Fatal("DowngradeLock:", err)
	}
	if err := TryLockFile(f2, SharedLock); err != nil {
		t.Errorf("TryLockFile(f2, shared) after downgrade = %v; want <nil>", err)
	}
	if err := TryLockFile(f2, ExclusiveLock); err != ErrWouldBlock {
		t.Errorf("TryLockFile(f2, exclusive) while f1 holds shared = %v; want %v", err, ErrWouldBlock)
	}
}

func TestCloseFileKeepsOtherLocks(t *testing.T) {
	f1, f2 := openTwice(t)
	f3, err := os.OpenFile(f1.Name(), os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f3.Close() })

	if err := LockFile(f1, SharedLock); err != nil {
		t.Fatal(err)
	}
	if err := LockFile(f2, SharedLock); err != nil {
		t.Fatal(err)
	}
	if err := CloseFile(f1); err != nil {
		t.Fatal("CloseFile(f1):", err)
	}
	if err := TryLockFile(f3, ExclusiveLock); err != ErrWouldBlock {
		t.Errorf("TryLockFile(f3, exclusive) after CloseFile(f1) = %v; want %v", err, ErrWouldBlock)
	}
	if err := CloseFile(f2); err != nil {
		t.Fatal("CloseFile(f2):", err)
	}
	if err := TryLockFile(f3, ExclusiveLock); err != nil {
		t.Errorf("TryLockFile(f3, exclusive) after closing every holder = %v; want <nil>", err)
	}
}

func TestLockFileBlocksUntilUnlock(t *testing.T) {
	// Prevent this test from blocking for more than 10 seconds.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f1, f2 := openTwice(t)
	if err := LockFile(f1, ExclusiveLock); err != nil {
		t.Fatal(err)
	}
	locked := make(chan error, 1)
	go func() {
		locked <- LockFile(f2, SharedLock)
	}()

	timer := time.NewTimer(50 * time.Millisecond)
	select {
	case err := <-locked:
		timer.Stop()
		t.Fatalf("LockFile(f2, shared) returned %v while f1 held exclusive lock", err)
	case <-timer.C:
	}

	if err := UnlockFile(f1); err != nil {
		t.Fatal("UnlockFile:", err)
	}
	select {
	case err := <-locked:
		if err != nil {
			t.Error("LockFile(f2, shared):", err)
		}
	case <-ctx.Done():
		t.Fatal("LockFile(f2, shared) did not return after UnlockFile(f1)")
	}
}

func TestFileIdentity(t *testing.T) {
	dir := t.TempDir()
	stat := func(name string) uint64 {
		t.Helper()
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			t.Fatal(err)
		}
		id, err := FileIdentity(f, info)
		if err != nil {
			t.Fatal(err)
		}
		return id
	}
	for _, name := range []string{"a", "b"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o666); err != nil {
			t.Fatal(err)
		}
	}

	a1, a2, b := stat("a"), stat("a"), stat("b")
	if a1 == 0 {
		t.Error("FileIdentity(a) = 0")
	}
	if a1 != a2 {
		t.Errorf("FileIdentity(a) = %d, then %d", a1, a2)
	}
	if a1 == b {
		t.Errorf("FileIdentity(a) = FileIdentity(b) = %d", a1)
	}
}
