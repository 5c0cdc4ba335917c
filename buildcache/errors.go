// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"errors"
	"fmt"
)

// Errors reported by this package.
var (
	// ErrInvalidFormat is the error wrapped by a [*FormatError].
	ErrInvalidFormat = errors.New("invalid manifest format")
	// ErrInvalidDepFile is the error matched by a [*DepFileError].
	ErrInvalidDepFile = errors.New("invalid dependency file")
	// ErrTooManyPrefixes is returned by [*Cache.AddPrefix]
	// when the prefix table is full.
	ErrTooManyPrefixes = errors.New("too many prefixes")
	// ErrFileTooBig is returned when a file's contents are requested
	// and the file is larger than the caller's bound.
	ErrFileTooBig = errors.New("file too big")
)

// ManifestError records an I/O failure on a manifest file.
type ManifestError struct {
	Op   string // "create", "lock", "read", or "write"
	Path string
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("%s manifest %s: %v", e.Op, e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// FileError records a failure to check or hash an input file.
type FileError struct {
	Op    string // "open", "stat", or "read"
	Index int    // position of the file in the session
	Path  string
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s input file %d (%s): %v", e.Op, e.Index, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// FormatError describes a malformed manifest file.
// It always matches [ErrInvalidFormat] with [errors.Is].
type FormatError struct {
	Path string
	Line int // 1-based
	Msg  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
}

func (e *FormatError) Unwrap() error {
	return ErrInvalidFormat
}

// DepFileError describes a dependency file that could not be parsed.
// It always matches [ErrInvalidDepFile] with [errors.Is].
type DepFileError struct {
	Path string
	Err  error
}

func (e *DepFileError) Error() string {
	return fmt.Sprintf("parse dependency file %s: %v", e.Path, e.Err)
}

func (e *DepFileError) Is(target error) bool {
	return target == ErrInvalidDepFile
}

func (e *DepFileError) Unwrap() error {
	return e.Err
}
