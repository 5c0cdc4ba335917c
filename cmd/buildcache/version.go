// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// buildcacheVersion is the version string filled in by the linker (e.g. "1.2.3").
var buildcacheVersion string

func newVersionCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "version",
		Short:                 "show version information",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		runVersion()
		return nil
	}
	return c
}

func runVersion() {
	firstLine := "buildcache"
	switch {
	case buildcacheVersion != "":
		firstLine += " version " + buildcacheVersion
	default:
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			firstLine += " version " + info.Main.Version
		} else {
			firstLine += " (version unknown)"
		}
	}
	fmt.Printf("%s\nSystem:       %s/%s\nCPUs:         %d\nGo:           %s\n",
		firstLine, runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version())
}
