// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxPrefixes is the maximum number of entries in a prefix table,
// including the implicit entry at index 0.
const maxPrefixes = 4

// A PrefixedPath is a file path relative to one of a [Cache]'s registered prefixes.
// Prefix 0 means no registered directory contained the path,
// in which case SubPath is absolute.
type PrefixedPath struct {
	Prefix  uint8
	SubPath string
}

// String returns the path in the form "[prefix]subpath",
// or just the absolute path for prefix 0.
func (pp PrefixedPath) String() string {
	if pp.Prefix == 0 {
		return pp.SubPath
	}
	return fmt.Sprintf("[%d]%s", pp.Prefix, pp.SubPath)
}

// prefixTable is an ordered set of root directories.
// dirs[0] is always the empty string.
type prefixTable struct {
	dirs []string
}

func newPrefixTable() prefixTable {
	return prefixTable{dirs: []string{""}}
}

func (t *prefixTable) len() int {
	return len(t.dirs)
}

func (t *prefixTable) add(dir string) (uint8, error) {
	dir, err := canonicalPath(dir)
	if err != nil {
		return 0, err
	}
	for i, d := range t.dirs[1:] {
		if d == dir {
			return uint8(i + 1), nil
		}
	}
	if len(t.dirs) >= maxPrefixes {
		return 0, fmt.Errorf("add prefix %s: %w", dir, ErrTooManyPrefixes)
	}
	t.dirs = append(t.dirs, dir)
	return uint8(len(t.dirs) - 1), nil
}

// resolve returns the path relative to the first registered prefix
// (in registration order) that contains it.
func (t *prefixTable) resolve(path string) (PrefixedPath, error) {
	path, err := canonicalPath(path)
	if err != nil {
		return PrefixedPath{}, err
	}
	for i, dir := range t.dirs[1:] {
		if sub, ok := cutDirPrefix(path, dir); ok {
			return PrefixedPath{Prefix: uint8(i + 1), SubPath: sub}, nil
		}
	}
	return PrefixedPath{Prefix: 0, SubPath: path}, nil
}

func (t *prefixTable) join(pp PrefixedPath) string {
	if pp.Prefix == 0 {
		return pp.SubPath
	}
	return filepath.Join(t.dirs[pp.Prefix], pp.SubPath)
}

// canonicalPath returns the absolute, lexically cleaned form of path.
// Symbolic links are not resolved.
func canonicalPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.ContainsAny(path, "\n\r") {
		return "", fmt.Errorf("path %q contains a newline", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// cutDirPrefix reports whether path is strictly inside dir
// and if so, returns the remainder of the path.
// Both arguments must be clean and absolute.
func cutDirPrefix(path, dir string) (sub string, ok bool) {
	if !strings.HasPrefix(path, dir) || len(path) == len(dir) {
		return "", false
	}
	if os.IsPathSeparator(dir[len(dir)-1]) {
		// Root directory (e.g. "/" or `C:\`).
		return path[len(dir):], true
	}
	if !os.IsPathSeparator(path[len(dir)]) || len(path) == len(dir)+1 {
		return "", false
	}
	return path[len(dir)+1:], true
}
