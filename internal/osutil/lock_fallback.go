// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !unix && !windows

package osutil

import "os"

const locksSupported = false

func lockFile(f *os.File, mode LockMode, block bool) error { return nil }
func downgradeLock(f *os.File) error                        { return nil }
func unlockFile(f *os.File) error                           { return nil }
func closeFile(f *os.File) error                            { return f.Close() }

func fileIdentity(f *os.File, info os.FileInfo) (uint64, error) {
	return 0, nil
}
