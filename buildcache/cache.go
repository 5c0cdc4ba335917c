// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package buildcache implements a content-addressed cache of build steps
// that is safe to share between concurrent processes.
//
// A build step is identified by a [Digest] over everything that determines its output:
// auxiliary values hashed by the caller and the contents of its input files.
// For each digest, the cache keeps a manifest file listing the input files
// together with their metadata and content digests.
// A later run of the same step consults the manifest
// and, if no input has changed, reports a hit without redoing the work.
//
// Processes coordinate only through advisory locks on the manifest files.
// A typical use looks like:
//
//	s := c.Obtain()
//	defer s.Close()
//	s.Hash().AddString(compilerFlags)
//	s.AddFile("main.c", nil)
//	hit, err := s.Hit(ctx)
//	if err != nil {
//		return err
//	}
//	if !hit {
//		// Do the work, then record what it read.
//		s.AddDepFilePost(ctx, outDir, "main.d")
//		s.WriteManifest(ctx)
//	}
//	digest := s.Final()
package buildcache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/seyhajin/zig-sub000/internal/osutil"
)

// timestampFile is the name of the file in the manifest directory
// written to sample the filesystem's current time.
const timestampFile = "timestamp"

// Options holds optional parameters for [New].
type Options struct {
	// DepFileReader parses dependency files for [*Session.AddDepFilePost].
	// If nil, Make-style dependency files are assumed.
	DepFileReader DepFileReader
}

// Cache holds the state shared by every [Session] in a process:
// the manifest directory, the prefix table, and the hash seed.
// A Cache must be configured (with [*Cache.AddPrefix] and [*Cache.Seed])
// before the first call to [*Cache.Obtain].
// After that, its methods are safe to call from multiple goroutines.
type Cache struct {
	dir      string
	prefixes prefixTable
	seed     *Hasher
	depFiles DepFileReader

	// probe returns what the filesystem reports as the current time.
	probe func() (int64, error)

	mu sync.Mutex
	// recentProblematic is the most recently sampled filesystem time.
	// Files modified at or after it cannot be trusted by metadata alone.
	recentProblematic int64
}

// New returns a cache that stores manifests in dir,
// creating the directory if necessary.
func New(dir string, opts *Options) (*Cache, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("open cache: %v", err)
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("open cache: %v", err)
	}
	c := &Cache{
		dir:      dir,
		prefixes: newPrefixTable(),
		seed:     newRecordingHasher(),
		depFiles: makeDepFiles{},
	}
	if opts != nil && opts.DepFileReader != nil {
		c.depFiles = opts.DepFileReader
	}
	c.probe = c.sampleTimestamp
	return c, nil
}

// Dir returns the absolute path of the manifest directory.
func (c *Cache) Dir() string {
	return c.dir
}

// AddPrefix registers a root directory.
// Input paths under a registered directory are stored relative to it,
// so that manifests do not depend on where a tree is checked out.
// Index 0 is reserved for paths outside every prefix,
// so at most three directories may be added.
// Adding a directory that is already registered returns its existing index.
func (c *Cache) AddPrefix(dir string) (uint8, error) {
	return c.prefixes.add(dir)
}

// Prefixes returns the registered prefix directories.
// The first element is always the empty string.
func (c *Cache) Prefixes() []string {
	return append([]string(nil), c.prefixes.dirs...)
}

// Resolve converts path into its prefixed form.
// Relative paths are resolved against the working directory.
func (c *Cache) Resolve(path string) (PrefixedPath, error) {
	return c.prefixes.resolve(path)
}

// Join returns the absolute path for pp.
// It panics if pp.Prefix is not a registered prefix.
func (c *Cache) Join(pp PrefixedPath) string {
	return c.prefixes.join(pp)
}

// Seed returns the hasher whose state begins every session's hash.
// Values added to it (such as a toolchain version)
// become part of every subsequent digest.
func (c *Cache) Seed() *Hasher {
	return c.seed
}

// ManifestPath returns the path of the manifest file for the given digest.
func (c *Cache) ManifestPath(d Digest) string {
	return filepath.Join(c.dir, d.String()+".txt")
}

// ReadManifest decodes the manifest for the given key without locking it,
// so the result may reflect a write in progress.
// A missing manifest or one with an unknown header has no files.
func (c *Cache) ReadManifest(key Digest) ([]File, error) {
	path := c.ManifestPath(key)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &ManifestError{Op: "read", Path: path, Err: err}
	}
	// A session in this process may hold a lock on the manifest.
	defer osutil.CloseFile(f)
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &ManifestError{Op: "read", Path: path, Err: err}
	}
	lines := strings.Split(string(data), "\n")
	if lines[0] != manifestHeader {
		return nil, nil
	}
	var files []File
	for i, line := range lines[1:] {
		if line == "" {
			continue
		}
		ent, err := parseManifestLine(line)
		if err != nil {
			return files, &FormatError{Path: path, Line: i + 2, Msg: err.Error()}
		}
		files = append(files, File{
			Path:   ent.path,
			Stat:   ent.stat,
			Digest: ent.digest,
		})
	}
	return files, nil
}

// Obtain returns a new session whose hash starts as a copy of the seed.
func (c *Cache) Obtain() *Session {
	return &Session{
		cache:                c,
		hash:                 c.seed.clone(),
		index:                make(map[PrefixedPath]int),
		wantRefreshTimestamp: true,
	}
}

// sampleTimestamp writes the timestamp file and returns its new modification time.
func (c *Cache) sampleTimestamp() (int64, error) {
	f, err := os.OpenFile(filepath.Join(c.dir, timestampFile), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Write([]byte("\n")); err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}
