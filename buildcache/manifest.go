// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"fmt"
	"strconv"
	"strings"
)

// manifestHeader is the first line of every manifest file.
// Manifests with any other first line are treated as a cache miss.
const manifestHeader = "0"

// maxManifestSize is the largest manifest file that will be read.
const maxManifestSize = 100 << 20

// A manifestEntry is a parsed line of a manifest file:
//
//	<size> <inode> <mtime_ns> <hex digest> <prefix> <sub_path>
type manifestEntry struct {
	stat   Stat
	digest Digest
	path   PrefixedPath
}

func parseManifestLine(line string) (manifestEntry, error) {
	var fields [5]string
	rest := line
	for i := range fields {
		var ok bool
		fields[i], rest, ok = strings.Cut(rest, " ")
		if !ok || fields[i] == "" {
			return manifestEntry{}, fmt.Errorf("expected 6 fields")
		}
	}
	// The sub path is everything after the fifth separator, spaces included.
	subPath := rest
	if subPath == "" {
		return manifestEntry{}, fmt.Errorf("empty path")
	}

	var ent manifestEntry
	var err error
	ent.stat.Size, err = strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return manifestEntry{}, fmt.Errorf("size: %v", err)
	}
	ent.stat.Inode, err = strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return manifestEntry{}, fmt.Errorf("inode: %v", err)
	}
	ent.stat.MTime, err = strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return manifestEntry{}, fmt.Errorf("mtime: %v", err)
	}
	ent.digest, err = ParseDigest(fields[3])
	if err != nil {
		return manifestEntry{}, err
	}
	prefix, err := strconv.ParseUint(fields[4], 10, 8)
	if err != nil {
		return manifestEntry{}, fmt.Errorf("prefix: %v", err)
	}
	ent.path = PrefixedPath{Prefix: uint8(prefix), SubPath: subPath}
	return ent, nil
}

// appendManifestLine appends the manifest line for f to dst.
func appendManifestLine(dst []byte, f *File) []byte {
	dst = strconv.AppendUint(dst, f.Stat.Size, 10)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, f.Stat.Inode, 10)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, f.Stat.MTime, 10)
	dst = append(dst, ' ')
	dst, _ = f.Digest.AppendText(dst)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, uint64(f.Path.Prefix), 10)
	dst = append(dst, ' ')
	dst = append(dst, f.Path.SubPath...)
	dst = append(dst, '\n')
	return dst
}

// appendManifestBody appends the lines for files, without the header.
func appendManifestBody(dst []byte, files []File) []byte {
	for i := range files {
		dst = appendManifestLine(dst, &files[i])
	}
	return dst
}
