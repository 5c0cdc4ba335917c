// Copyright 2025 The zb Authors
// Copyright 2009 The Go Authors. All rights reserved.
// SPDX-License-Identifier: BSD 3-Clause
//
// This is a copy of ignoringEINTR
// from https://cs.opensource.google/go/go/+/refs/tags/go1.24.1:src/os/file_posix.go

//go:build unix

package osutil

import "syscall"

// ignoringEINTR makes a function call and repeats it if it returns an
// EINTR error. A blocking flock(2) or fcntl(F_SETLKW) is interrupted
// by any signal delivered to the thread, including the Go runtime's
// preemption signal, so lock waits must loop.
func ignoringEINTR(fn func() error) error {
	for {
		err := fn()
		if err != syscall.EINTR {
			return err
		}
	}
}
