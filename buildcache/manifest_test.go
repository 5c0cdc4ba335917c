// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testDigestHex = "0123456789abcdef0123456789abcdef"

func TestParseManifestLine(t *testing.T) {
	digest, err := ParseDigest(testDigestHex)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		line string
		want manifestEntry
	}{
		{
			line: "5 1234 1700000000000000000 " + testDigestHex + " 1 f.txt",
			want: manifestEntry{
				stat:   Stat{Size: 5, Inode: 1234, MTime: 1700000000000000000},
				digest: digest,
				path:   PrefixedPath{Prefix: 1, SubPath: "f.txt"},
			},
		},
		{
			line: "0 0 0 " + testDigestHex + " 0 /usr/include/my header.h",
			want: manifestEntry{
				digest: digest,
				path:   PrefixedPath{Prefix: 0, SubPath: "/usr/include/my header.h"},
			},
		},
		{
			line: "5 7 -3 " + testDigestHex + " 2 sub/dir/x.zig",
			want: manifestEntry{
				stat:   Stat{Size: 5, Inode: 7, MTime: -3},
				digest: digest,
				path:   PrefixedPath{Prefix: 2, SubPath: "sub/dir/x.zig"},
			},
		},
		{
			// Only the first separator after the prefix is consumed.
			line: "5 7 -3 " + testDigestHex + " 1  lead  x.c ",
			want: manifestEntry{
				stat:   Stat{Size: 5, Inode: 7, MTime: -3},
				digest: digest,
				path:   PrefixedPath{Prefix: 1, SubPath: " lead  x.c "},
			},
		},
	}
	for _, test := range tests {
		got, err := parseManifestLine(test.line)
		if err != nil {
			t.Errorf("parseManifestLine(%q): %v", test.line, err)
			continue
		}
		if diff := cmp.Diff(test.want, got, cmp.AllowUnexported(manifestEntry{})); diff != "" {
			t.Errorf("parseManifestLine(%q) (-want +got):\n%s", test.line, diff)
		}
	}
}

func TestParseManifestLineErrors(t *testing.T) {
	tests := []string{
		"",
		"5 1234",
		"5  7 -3 " + testDigestHex + " 2 x.zig",
		"5 7 -3 " + testDigestHex + "  2 x.zig",
		"5 7 -3 " + testDigestHex + " 2 ",
		"5 1234 99 " + testDigestHex + " 1",
		"5 1234 99 " + testDigestHex + " 1 ",
		"x 1234 99 " + testDigestHex + " 1 f.txt",
		"5 -1 99 " + testDigestHex + " 1 f.txt",
		"5 1234 1.5 " + testDigestHex + " 1 f.txt",
		"5 1234 99 0123 1 f.txt",
		"5 1234 99 " + strings.Repeat("g", 32) + " 1 f.txt",
		"5 1234 99 " + testDigestHex + " 256 f.txt",
	}
	for _, line := range tests {
		if got, err := parseManifestLine(line); err == nil {
			t.Errorf("parseManifestLine(%q) = %+v, <nil>; want error", line, got)
		}
	}
}

func TestAppendManifestBody(t *testing.T) {
	digest, err := ParseDigest(testDigestHex)
	if err != nil {
		t.Fatal(err)
	}
	files := []File{
		{
			Path:   PrefixedPath{Prefix: 1, SubPath: "f.txt"},
			Stat:   Stat{Size: 5, Inode: 1234, MTime: 1700000000000000000},
			Digest: digest,
		},
		{
			Path:   PrefixedPath{Prefix: 0, SubPath: "/tmp/a b.h"},
			Digest: digest,
		},
		{
			Path:   PrefixedPath{Prefix: 2, SubPath: " lead  x.c"},
			Stat:   Stat{Size: 1, Inode: 9, MTime: 42},
			Digest: digest,
		},
	}
	got := string(appendManifestBody(nil, files))
	want := "5 1234 1700000000000000000 " + testDigestHex + " 1 f.txt\n" +
		"0 0 0 " + testDigestHex + " 0 /tmp/a b.h\n" +
		"1 9 42 " + testDigestHex + " 2  lead  x.c\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("appendManifestBody(...) (-want +got):\n%s", diff)
	}

	for i, line := range strings.Split(strings.TrimSuffix(got, "\n"), "\n") {
		ent, err := parseManifestLine(line)
		if err != nil {
			t.Errorf("line %d: %v", i+1, err)
			continue
		}
		if ent.path != files[i].Path || ent.stat != files[i].Stat || ent.digest != files[i].Digest {
			t.Errorf("line %d = %+v; want entry for %+v", i+1, ent, files[i])
		}
	}
}
