// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/seyhajin/zig-sub000/buildcache"
	"github.com/seyhajin/zig-sub000/internal/testcontext"
)

func TestRunManifest(t *testing.T) {
	ctx := testcontext.New(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "main.c")
	if err := os.WriteFile(src, []byte("int main() {}\n"), 0o666); err != nil {
		t.Fatal(err)
	}
	g := &globalConfig{
		CacheDirectory: filepath.Join(dir, "cache"),
		Prefixes:       stringSet{dir},
		Jobs:           1,
	}
	c, err := g.openCache()
	if err != nil {
		t.Fatal(err)
	}
	s := c.Obtain()
	s.Hash().AddString("cc")
	if _, err := s.AddFile(src, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Hit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteManifest(ctx); err != nil {
		t.Fatal(err)
	}
	key := s.Key()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if err := runManifest(ctx, g, key.String()); err != nil {
		t.Errorf("runManifest(ctx, g, %q): %v", key, err)
	}
	if err := runManifest(ctx, g, buildcache.Digest{}.String()); err == nil {
		t.Error("runManifest for unknown key did not return an error")
	}
	if err := runManifest(ctx, g, "xyz"); err == nil {
		t.Error("runManifest for malformed key did not return an error")
	}
}
