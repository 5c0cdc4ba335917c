// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildcache

import "github.com/seyhajin/zig-sub000/internal/depfile"

// A DepFileReader extracts the prerequisite paths from a dependency file.
type DepFileReader interface {
	Prerequisites(data []byte) ([]string, error)
}

// makeDepFiles reads Make-style dependency files as written by C compilers.
type makeDepFiles struct{}

func (makeDepFiles) Prerequisites(data []byte) ([]string, error) {
	return depfile.Prerequisites(data)
}
