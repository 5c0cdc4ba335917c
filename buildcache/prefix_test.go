// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPrefixTable(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	nested := filepath.Join(src, "lib")
	zigLib := filepath.Join(root, "zig-lib")

	table := newPrefixTable()
	for i, dir := range []string{src, nested, zigLib} {
		got, err := table.add(dir)
		if err != nil {
			t.Fatal(err)
		}
		if want := uint8(i + 1); got != want {
			t.Errorf("add(%q) = %d; want %d", dir, got, want)
		}
	}

	tests := []struct {
		path string
		want PrefixedPath
	}{
		{
			path: filepath.Join(src, "main.c"),
			want: PrefixedPath{Prefix: 1, SubPath: "main.c"},
		},
		{
			// Resolved against the first registered prefix, not the longest.
			path: filepath.Join(nested, "x.h"),
			want: PrefixedPath{Prefix: 1, SubPath: filepath.Join("lib", "x.h")},
		},
		{
			path: filepath.Join(zigLib, "std", "std.zig"),
			want: PrefixedPath{Prefix: 3, SubPath: filepath.Join("std", "std.zig")},
		},
		{
			path: filepath.Join(root, "src2", "a.c"),
			want: PrefixedPath{Prefix: 0, SubPath: filepath.Join(root, "src2", "a.c")},
		},
		{
			// A prefix does not contain itself.
			path: src,
			want: PrefixedPath{Prefix: 0, SubPath: src},
		},
		{
			path: filepath.Join(src, "..", "zig-lib", "c.h"),
			want: PrefixedPath{Prefix: 3, SubPath: "c.h"},
		},
	}
	for _, test := range tests {
		got, err := table.resolve(test.path)
		if err != nil {
			t.Errorf("resolve(%q): %v", test.path, err)
			continue
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("resolve(%q) (-want +got):\n%s", test.path, diff)
		}
		if got, want := table.join(got), filepath.Clean(test.path); got != want {
			t.Errorf("join(resolve(%q)) = %q; want %q", test.path, got, want)
		}
	}
}

func TestPrefixTableFull(t *testing.T) {
	root := t.TempDir()
	table := newPrefixTable()
	for _, name := range []string{"a", "b", "c"} {
		if _, err := table.add(filepath.Join(root, name)); err != nil {
			t.Fatal(err)
		}
	}

	if got, err := table.add(filepath.Join(root, "b")); err != nil || got != 2 {
		t.Errorf("add(existing) = %d, %v; want 2, <nil>", got, err)
	}
	if _, err := table.add(filepath.Join(root, "d")); !errors.Is(err, ErrTooManyPrefixes) {
		t.Errorf("add(4th directory) error = %v; want %v", err, ErrTooManyPrefixes)
	}
	if got, want := table.len(), maxPrefixes; got != want {
		t.Errorf("len() = %d; want %d", got, want)
	}
}

func TestPrefixTableRejectsBadPaths(t *testing.T) {
	table := newPrefixTable()
	for _, path := range []string{"", "foo\nbar"} {
		if _, err := table.resolve(path); err == nil {
			t.Errorf("resolve(%q) did not return an error", path)
		}
		if _, err := table.add(path); err == nil {
			t.Errorf("add(%q) did not return an error", path)
		}
	}
}

func TestPrefixedPathString(t *testing.T) {
	tests := []struct {
		pp   PrefixedPath
		want string
	}{
		{PrefixedPath{Prefix: 0, SubPath: "/usr/include/stdio.h"}, "/usr/include/stdio.h"},
		{PrefixedPath{Prefix: 2, SubPath: "main.c"}, "[2]main.c"},
	}
	for _, test := range tests {
		if got := test.pp.String(); got != test.want {
			t.Errorf("%#v.String() = %q; want %q", test.pp, got, test.want)
		}
	}
}
