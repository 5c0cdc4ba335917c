// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package osutil

import (
	"os"
	"syscall"
)

func fileIdentity(f *os.File, info os.FileInfo) (uint64, error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, nil
	}
	return uint64(st.Ino), nil
}
