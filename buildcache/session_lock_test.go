// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build aix || darwin || dragonfly || freebsd || illumos || linux || netbsd || openbsd || solaris || windows

package buildcache

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seyhajin/zig-sub000/internal/testcontext"
	"golang.org/x/sync/errgroup"
)

func TestSharedLockAfterHit(t *testing.T) {
	ctx := testcontext.New(t)
	c, srcDir := newTestCache(t)
	input := filepath.Join(srcDir, "f.txt")
	writeTestFile(t, input, "hello")
	_, want := runStep(ctx, t, c, "1234", input)

	// Two readers can hold the same entry at once.
	for i := 0; i < 2; i++ {
		s := c.Obtain()
		defer s.Close()
		s.WantSharedLock = true
		s.Hash().AddString("1234")
		if _, err := s.AddFile(input, nil); err != nil {
			t.Fatal(err)
		}
		hit, err := s.Hit(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !hit {
			t.Errorf("session %d missed", i+1)
		}
		if s.HaveExclusiveLock() {
			t.Errorf("session %d: HaveExclusiveLock() = true after hit", i+1)
		}
		if got := s.Final(); got != want {
			t.Errorf("session %d: Final() = %v; want %v", i+1, got, want)
		}
	}
}

func TestUpgradeAfterSharedMiss(t *testing.T) {
	ctx := testcontext.New(t)
	c, srcDir := newTestCache(t)
	input := filepath.Join(srcDir, "f.txt")
	writeTestFile(t, input, "hello")
	runStep(ctx, t, c, "1234", input)

	reader := c.Obtain()
	defer reader.Close()
	reader.WantSharedLock = true
	reader.Hash().AddString("1234")
	if _, err := reader.AddFile(input, nil); err != nil {
		t.Fatal(err)
	}
	if hit, err := reader.Hit(ctx); !hit || err != nil {
		t.Fatalf("reader.Hit(ctx) = %t, %v; want true, <nil>", hit, err)
	}

	writeTestFile(t, input, "hello, world")
	s := c.Obtain()
	defer s.Close()
	s.WantSharedLock = true
	s.Hash().AddString("1234")
	if _, err := s.AddFile(input, nil); err != nil {
		t.Fatal(err)
	}
	type hitResult struct {
		hit bool
		err error
	}
	done := make(chan hitResult, 1)
	go func() {
		hit, err := s.Hit(ctx)
		done <- hitResult{hit, err}
	}()

	// The miss needs an exclusive lock, so it waits for the reader.
	select {
	case r := <-done:
		t.Fatalf("Hit(ctx) = %t, %v while another session held a shared lock", r.hit, r.err)
	case <-time.After(100 * time.Millisecond):
	}
	if err := reader.Close(); err != nil {
		t.Fatal(err)
	}
	r := <-done
	if r.hit || r.err != nil {
		t.Fatalf("Hit(ctx) = %t, %v; want false, <nil>", r.hit, r.err)
	}
	if !s.HaveExclusiveLock() {
		t.Error("HaveExclusiveLock() = false after miss")
	}
}

func TestConcurrentSessions(t *testing.T) {
	ctx := testcontext.New(t)
	c, srcDir := newTestCache(t)
	input := filepath.Join(srcDir, "f.txt")
	writeTestFile(t, input, "hello")

	const n = 8
	var misses atomic.Int32
	digests := make([]Digest, n)
	grp, grpCtx := errgroup.WithContext(ctx)
	for i := range digests {
		grp.Go(func() error {
			s := c.Obtain()
			defer s.Close()
			s.WantSharedLock = true
			s.Hash().AddString("1234")
			if _, err := s.AddFile(input, nil); err != nil {
				return err
			}
			hit, err := s.Hit(grpCtx)
			if err != nil {
				return err
			}
			if !hit {
				misses.Add(1)
				if err := s.WriteManifest(grpCtx); err != nil {
					return err
				}
			}
			digests[i] = s.Final()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := misses.Load(); got != 1 {
		t.Errorf("%d sessions missed; want 1", got)
	}
	for i, d := range digests[1:] {
		if d != digests[0] {
			t.Errorf("digests[%d] = %v; want %v", i+1, d, digests[0])
		}
	}
}
