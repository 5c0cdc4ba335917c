// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"io"
	"math"
	"os"

	"github.com/seyhajin/zig-sub000/internal/osutil"
)

// Stat is the subset of file metadata used to detect changes
// without reading file contents.
type Stat struct {
	Size  uint64
	Inode uint64
	// MTime is the modification time in nanoseconds since the Unix epoch.
	MTime int64
}

// statUnchanged reports whether cur describes the same file contents as prev,
// judging only by metadata.
func statUnchanged(prev, cur Stat) bool {
	return prev.Size == cur.Size && prev.Inode == cur.Inode && prev.MTime == cur.MTime
}

func statFile(f *os.File) (Stat, error) {
	info, err := f.Stat()
	if err != nil {
		return Stat{}, err
	}
	inode, err := osutil.FileIdentity(f, info)
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		Size:  uint64(info.Size()),
		Inode: inode,
		MTime: info.ModTime().UnixNano(),
	}, nil
}

// A File is an input file tracked by a [Session].
type File struct {
	Path   PrefixedPath
	Stat   Stat
	Digest Digest
	// Contents holds the file's data if MaxSize is positive.
	Contents []byte
	// MaxSize is the largest file the session will read into Contents.
	// Zero or negative means that contents are not retained.
	MaxSize int64

	handle *os.File // not owned
}

// FileOptions holds optional parameters for adding a file to a [Session].
type FileOptions struct {
	// MaxSize, if positive, requests that the file's contents be retained
	// in [File.Contents]. Files larger than MaxSize fail with [ErrFileTooBig].
	MaxSize int64
	// Handle is an already-open handle to the file.
	// The session reads from it with positional reads and never closes it.
	Handle *os.File
}

// fileDigest returns the digest of f's contents using positional reads,
// leaving f's offset untouched.
func fileDigest(f *os.File) (Digest, error) {
	return ContentDigest(io.NewSectionReader(f, 0, math.MaxInt64))
}

// readContents reads at most maxSize bytes from f,
// failing with [ErrFileTooBig] if f is larger.
func readContents(f *os.File, maxSize int64) ([]byte, error) {
	limit := maxSize
	if limit < math.MaxInt64 {
		limit++
	}
	data, err := io.ReadAll(io.NewSectionReader(f, 0, limit))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, ErrFileTooBig
	}
	return data, nil
}
