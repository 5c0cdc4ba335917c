// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"zombiezen.com/go/log"
)

// A Session checks and records a single build step.
// Sessions are created by [*Cache.Obtain].
//
// Callers add everything known about the step up front
// (auxiliary values through [*Session.Hash] and input files through [*Session.AddFile])
// and then call [*Session.Hit].
// On a miss, the caller does the work, adds any files discovered along the way
// with the AddFilePost methods, and calls [*Session.WriteManifest].
// In either case, [*Session.Final] returns the step's digest.
//
// A Session must not be used from multiple goroutines at once,
// but distinct sessions may be used concurrently.
type Session struct {
	cache *Cache
	hash  *Hasher
	files []File
	index map[PrefixedPath]int

	// WantSharedLock asks Hit to leave the manifest with a shared lock on a hit
	// and WriteManifest to downgrade to a shared lock after writing,
	// so that other processes can read the same entry concurrently.
	// It must be set before calling Hit.
	WantSharedLock bool

	hitCalled     bool
	key           Digest   // digest of the pre-hit inputs
	manifest      *os.File // nil once closed or detached
	manifestPath  string
	haveExclusive bool
	dirty         bool

	wantRefreshTimestamp bool
	recentProblematic    int64

	diagnostic error
}

// Hash returns the session's running hasher.
// Values added before [*Session.Hit] are part of the key.
func (s *Session) Hash() *Hasher {
	return s.hash
}

// AddFile adds an input file to the key and returns its index in [*Session.Files].
// The file's contents are not read until [*Session.Hit].
// Adding the same path twice returns the index of the first addition.
// opts may be nil.
func (s *Session) AddFile(path string, opts *FileOptions) (int, error) {
	if s.hitCalled {
		return 0, fmt.Errorf("add file %s: session already checked", path)
	}
	pp, err := s.cache.Resolve(path)
	if err != nil {
		return 0, fmt.Errorf("add file: %v", err)
	}
	if i, ok := s.index[pp]; ok {
		return i, nil
	}
	i := s.appendFile(pp, opts)
	s.hash.AddPrimitive(pp.Prefix)
	s.hash.AddString(pp.SubPath)
	return i, nil
}

// AddFilePath is like [*Session.AddFile], but names the file
// by a directory and a path relative to it.
func (s *Session) AddFilePath(dir, subPath string, opts *FileOptions) (int, error) {
	return s.AddFile(filepath.Join(dir, subPath), opts)
}

func (s *Session) appendFile(pp PrefixedPath, opts *FileOptions) int {
	f := File{Path: pp}
	if opts != nil {
		f.MaxSize = opts.MaxSize
		f.handle = opts.Handle
	}
	s.files = append(s.files, f)
	i := len(s.files) - 1
	s.index[pp] = i
	return i
}

// truncateFiles removes every file after the first n.
func (s *Session) truncateFiles(n int) {
	for _, f := range s.files[n:] {
		delete(s.index, f.Path)
	}
	s.files = slices.Delete(s.files, n, len(s.files))
}

// Files returns a copy of the files tracked by the session,
// in the order they were added.
func (s *Session) Files() []File {
	return slices.Clone(s.files)
}

// Key returns the digest of the inputs added before [*Session.Hit],
// which names the manifest file.
// It returns the zero digest before Hit is called.
func (s *Session) Key() Digest {
	return s.key
}

// HaveExclusiveLock reports whether the session holds an exclusive lock
// on its manifest file.
func (s *Session) HaveExclusiveLock() bool {
	return s.manifest != nil && s.haveExclusive
}

// Diagnostic returns the error that caused the most recent failure of [*Session.Hit],
// or nil if Hit has not failed.
func (s *Session) Diagnostic() error {
	return s.diagnostic
}

// lookupResult is the outcome of checking a manifest under the current lock.
type lookupResult struct {
	hit bool
	// populated is the number of pre-hit files whose digests are known
	// on a miss. Files from index populated onward still need hashing.
	populated int
}

// Hit finalizes the key, opens and locks the corresponding manifest,
// and reports whether every file listed in it is unchanged.
//
// On a hit, the running hash covers the key and the digest of every file
// in the manifest, so [*Session.Final] returns the same digest as the run
// that wrote the manifest.
// On a miss, the session holds an exclusive lock on the manifest
// and the running hash covers the key and the digests of the pre-hit files.
//
// Hit may block indefinitely while another process holds the manifest lock.
// A corrupt manifest is reported as an error wrapping [ErrInvalidFormat],
// never as a miss.
func (s *Session) Hit(ctx context.Context) (bool, error) {
	if s.hitCalled {
		return false, errors.New("buildcache: Hit called more than once")
	}
	s.hitCalled = true
	s.diagnostic = nil
	hit, err := s.hit(ctx)
	if err != nil {
		s.diagnostic = err
		return false, err
	}
	return hit, nil
}

func (s *Session) hit(ctx context.Context) (bool, error) {
	s.key = s.hash.Final()
	s.hash.reset(s.key)
	s.manifestPath = s.cache.ManifestPath(s.key)
	if err := s.openManifest(ctx); err != nil {
		return false, err
	}

	s.wantRefreshTimestamp = true
	n := len(s.files)
	result, err := s.hitWithCurrentLock(ctx, n)
	if err != nil {
		return false, err
	}
	if !result.hit {
		// Another process may have written the manifest
		// between releasing the shared lock and acquiring the exclusive lock.
		upgraded, err := s.upgradeToExclusiveLock(ctx)
		if err != nil {
			return false, err
		}
		if upgraded {
			log.Debugf(ctx, "Rechecking %v with exclusive lock", s.key)
			result, err = s.hitWithCurrentLock(ctx, n)
			if err != nil {
				return false, err
			}
		}
	}

	if result.hit {
		log.Debugf(ctx, "Cache hit for %v", s.key)
		if s.WantSharedLock {
			if err := s.downgradeToSharedLock(); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	log.Debugf(ctx, "Cache miss for %v (%d of %d inputs known)", s.key, result.populated, n)
	s.truncateFiles(n)
	for i := range s.files {
		f := &s.files[i]
		if i < result.populated && (f.MaxSize <= 0 || f.Contents != nil) {
			continue
		}
		if err := s.populateFile(ctx, i); err != nil {
			return false, err
		}
	}
	s.unhit(n)
	s.dirty = true
	return false, nil
}

// hitWithCurrentLock compares the manifest against the filesystem.
// n is the number of files added before Hit.
// On return, the running hash covers the key and,
// for a hit, the digest of every file in the manifest.
func (s *Session) hitWithCurrentLock(ctx context.Context, n int) (lookupResult, error) {
	s.hash.reset(s.key)
	s.truncateFiles(n)

	data, err := s.readManifest()
	if err != nil {
		return lookupResult{}, err
	}
	lines := strings.Split(string(data), "\n")
	lineno := 0
	nextLine := func() (string, bool) {
		for lineno < len(lines) {
			line := lines[lineno]
			lineno++
			if line != "" {
				return line, true
			}
		}
		return "", false
	}

	if header, ok := nextLine(); !ok || header != manifestHeader {
		return lookupResult{populated: 0}, nil
	}

	idx := 0
	anyChanged := false
	for {
		line, ok := nextLine()
		if !ok {
			break
		}
		ent, err := parseManifestLine(line)
		if err != nil {
			return lookupResult{}, &FormatError{Path: s.manifestPath, Line: lineno, Msg: err.Error()}
		}
		if int(ent.path.Prefix) >= s.cache.prefixes.len() {
			return lookupResult{}, &FormatError{
				Path: s.manifestPath,
				Line: lineno,
				Msg:  fmt.Sprintf("prefix %d not registered", ent.path.Prefix),
			}
		}

		var fi int
		if idx < n {
			fi = idx
			if got := s.files[fi].Path; got != ent.path {
				return lookupResult{}, &FormatError{
					Path: s.manifestPath,
					Line: lineno,
					Msg:  fmt.Sprintf("input %d is %v in manifest but %v in session", idx, ent.path, got),
				}
			}
		} else if i, ok := s.index[ent.path]; ok {
			fi = i
		} else {
			fi = s.appendFile(ent.path, nil)
		}
		f := &s.files[fi]
		f.Stat = ent.stat
		f.Digest = ent.digest

		changed, err := s.recheckFile(ctx, fi)
		if errors.Is(err, fs.ErrNotExist) {
			// Every digest before this one is populated.
			return lookupResult{populated: min(idx, n)}, nil
		}
		if err != nil {
			return lookupResult{}, err
		}
		if changed {
			// Keep going so that every input's digest is known.
			anyChanged = true
		}
		if !anyChanged {
			s.hash.AddDigest(f.Digest)
		}
		idx++
	}

	if anyChanged || idx < n {
		return lookupResult{populated: min(idx, n)}, nil
	}
	return lookupResult{hit: true}, nil
}

// recheckFile compares a file's recorded stat against the filesystem,
// re-hashing it if the stat differs.
// It reports whether the file's content digest changed.
// If the file no longer exists, recheckFile returns an error
// satisfying errors.Is(err, fs.ErrNotExist).
func (s *Session) recheckFile(ctx context.Context, i int) (changed bool, err error) {
	f := &s.files[i]
	path := s.cache.Join(f.Path)
	h, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debugf(ctx, "Input %s no longer exists", path)
		return false, err
	}
	if err != nil {
		return false, &FileError{Op: "open", Index: i, Path: path, Err: err}
	}
	defer h.Close()

	cur, err := statFile(h)
	if err != nil {
		return false, &FileError{Op: "stat", Index: i, Path: path, Err: err}
	}
	if statUnchanged(f.Stat, cur) {
		return false, nil
	}

	s.dirty = true
	f.Stat = cur
	if s.isProblematicTimestamp(ctx, cur.MTime) {
		// Force the file to be hashed next time.
		f.Stat.MTime = 0
		f.Stat.Inode = 0
	}
	d, err := fileDigest(h)
	if err != nil {
		return false, &FileError{Op: "read", Index: i, Path: path, Err: err}
	}
	if d == f.Digest {
		return false, nil
	}
	log.Debugf(ctx, "Input %s changed", path)
	f.Digest = d
	return true, nil
}

// populateFile computes the stat and digest of s.files[i] from the filesystem,
// reading its contents if requested,
// and adds the digest to the running hash.
func (s *Session) populateFile(ctx context.Context, i int) error {
	f := &s.files[i]
	path := s.cache.Join(f.Path)
	h := f.handle
	if h == nil {
		var err error
		h, err = os.Open(path)
		if err != nil {
			return &FileError{Op: "open", Index: i, Path: path, Err: err}
		}
		defer h.Close()
	}

	cur, err := statFile(h)
	if err != nil {
		return &FileError{Op: "stat", Index: i, Path: path, Err: err}
	}
	f.Stat = cur
	if s.isProblematicTimestamp(ctx, cur.MTime) {
		f.Stat.MTime = 0
		f.Stat.Inode = 0
	}

	if f.MaxSize > 0 {
		if cur.Size > uint64(f.MaxSize) {
			return &FileError{Op: "read", Index: i, Path: path, Err: ErrFileTooBig}
		}
		contents, err := readContents(h, f.MaxSize)
		if err != nil {
			return &FileError{Op: "read", Index: i, Path: path, Err: err}
		}
		f.Contents = contents
		f.Digest, _ = ContentDigest(bytes.NewReader(contents))
	} else {
		f.Digest, err = fileDigest(h)
		if err != nil {
			return &FileError{Op: "read", Index: i, Path: path, Err: err}
		}
	}
	s.hash.AddDigest(f.Digest)
	return nil
}

// unhit resets the running hash to the key followed by
// the digests of the first n files, and drops any files after them.
func (s *Session) unhit(n int) {
	s.hash.reset(s.key)
	s.truncateFiles(n)
	for i := range s.files {
		s.hash.AddDigest(s.files[i].Digest)
	}
}

// isProblematicTimestamp reports whether a file modified at fileTime
// may be modified again without its modification time changing,
// because fileTime is not older than the filesystem's current time.
func (s *Session) isProblematicTimestamp(ctx context.Context, fileTime int64) bool {
	if fileTime < s.recentProblematic {
		return false
	}

	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	s.recentProblematic = max(s.recentProblematic, c.recentProblematic)
	if fileTime < s.recentProblematic {
		return false
	}
	if !s.wantRefreshTimestamp {
		return true
	}
	s.wantRefreshTimestamp = false
	now, err := c.probe()
	if err != nil {
		log.Warnf(ctx, "Sampling filesystem time: %v", err)
		return true
	}
	s.recentProblematic = max(s.recentProblematic, now)
	c.recentProblematic = s.recentProblematic
	return fileTime >= s.recentProblematic
}

// AddFilePost adds a file discovered while doing the work of a missed step.
// The file is hashed immediately.
// Adding a path the session already tracks does nothing.
func (s *Session) AddFilePost(ctx context.Context, path string) error {
	_, err := s.addFilePost(ctx, path, 0)
	return err
}

// AddFilePostContents is like [*Session.AddFilePost],
// but also returns the file's contents.
// Files larger than maxSize fail with an error wrapping [ErrFileTooBig].
func (s *Session) AddFilePostContents(ctx context.Context, path string, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("add file %s: invalid maximum size %d", path, maxSize)
	}
	i, err := s.addFilePost(ctx, path, maxSize)
	if err != nil {
		return nil, err
	}
	f := &s.files[i]
	if f.Contents != nil {
		return f.Contents, nil
	}
	// The file was already tracked without its contents.
	h, err := os.Open(s.cache.Join(f.Path))
	if err != nil {
		return nil, &FileError{Op: "open", Index: i, Path: s.cache.Join(f.Path), Err: err}
	}
	defer h.Close()
	contents, err := readContents(h, maxSize)
	if err != nil {
		return nil, &FileError{Op: "read", Index: i, Path: s.cache.Join(f.Path), Err: err}
	}
	return contents, nil
}

func (s *Session) addFilePost(ctx context.Context, path string, maxSize int64) (int, error) {
	if !s.hitCalled {
		return 0, fmt.Errorf("add file %s: Hit not called", path)
	}
	pp, err := s.cache.Resolve(path)
	if err != nil {
		return 0, fmt.Errorf("add file: %v", err)
	}
	if i, ok := s.index[pp]; ok {
		return i, nil
	}
	i := s.appendFile(pp, &FileOptions{MaxSize: maxSize})
	if err := s.populateFile(ctx, i); err != nil {
		s.truncateFiles(i)
		return 0, err
	}
	s.dirty = true
	return i, nil
}

// AddDepFilePost reads the dependency file dir/name
// and adds every prerequisite it lists with [*Session.AddFilePost].
// Relative prerequisites are resolved against the working directory,
// which is where compilers write them relative to.
// A malformed dependency file fails with an error wrapping [ErrInvalidDepFile].
func (s *Session) AddDepFilePost(ctx context.Context, dir, name string) error {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read dependency file: %w", err)
	}
	prereqs, err := s.cache.depFiles.Prerequisites(data)
	if err != nil {
		return &DepFileError{Path: path, Err: err}
	}
	log.Debugf(ctx, "%s lists %d prerequisites", path, len(prereqs))
	for _, p := range prereqs {
		if err := s.AddFilePost(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Final returns the digest of the step.
// It must be called after [*Session.Hit]
// and after every post-hit file has been added.
func (s *Session) Final() Digest {
	return s.hash.Final()
}

// FinalHex returns the hex encoding of [*Session.Final].
func (s *Session) FinalHex() string {
	return s.Final().String()
}

// WriteManifest records the session's files in the manifest
// if anything changed since it was read.
// Writing requires the exclusive lock, which the session always holds after a miss.
// If the session only holds a shared lock (after a hit),
// WriteManifest does nothing: the manifest is still valid,
// and any stale metadata only costs re-hashing later.
// If WantSharedLock is set, WriteManifest downgrades the lock afterward.
func (s *Session) WriteManifest(ctx context.Context) error {
	if s.manifest == nil {
		return errors.New("buildcache: WriteManifest without an open manifest")
	}
	if !s.haveExclusive {
		if s.dirty {
			log.Debugf(ctx, "Not updating %s without exclusive lock", s.manifestPath)
		}
		return nil
	}
	if s.dirty {
		if err := s.writeManifest(); err != nil {
			return err
		}
		log.Debugf(ctx, "Wrote %s (%d files)", s.manifestPath, len(s.files))
		s.dirty = false
	}
	if s.WantSharedLock {
		return s.downgradeToSharedLock()
	}
	return nil
}

// writeManifest replaces the manifest's contents in place.
// The header is written last, so a manifest left by a crash mid-write
// has an invalid header and reads as a miss rather than a corrupt file.
func (s *Session) writeManifest() error {
	body := appendManifestBody(nil, s.files)
	header := manifestHeader + "\n"
	if err := s.manifest.Truncate(0); err != nil {
		return &ManifestError{Op: "write", Path: s.manifestPath, Err: err}
	}
	if _, err := s.manifest.WriteAt(body, int64(len(header))); err != nil {
		return &ManifestError{Op: "write", Path: s.manifestPath, Err: err}
	}
	if _, err := s.manifest.WriteAt([]byte(header), 0); err != nil {
		return &ManifestError{Op: "write", Path: s.manifestPath, Err: err}
	}
	return nil
}

func (s *Session) readManifest() ([]byte, error) {
	data, err := io.ReadAll(io.NewSectionReader(s.manifest, 0, maxManifestSize+1))
	if err != nil {
		return nil, &ManifestError{Op: "read", Path: s.manifestPath, Err: err}
	}
	if len(data) > maxManifestSize {
		return nil, &FormatError{Path: s.manifestPath, Line: 1, Msg: "manifest too large"}
	}
	return data, nil
}

// DetachLock transfers ownership of the manifest lock to the caller,
// who can hold it for as long as the step's outputs are in use.
// The session can no longer write its manifest.
// DetachLock returns nil if the session holds no lock.
func (s *Session) DetachLock() *Lock {
	if s.manifest == nil {
		return nil
	}
	l := &Lock{f: s.manifest}
	s.manifest = nil
	return l
}

// Close releases the manifest lock, unless it was detached.
func (s *Session) Close() error {
	if s.manifest == nil {
		return nil
	}
	l := &Lock{f: s.manifest}
	s.manifest = nil
	return l.Release()
}
