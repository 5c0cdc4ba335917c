// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// buildcache runs commands as cached build steps.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "buildcache",
		Short:         "content-addressed build step cache",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	if err := g.mergeFiles(configPaths()); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
	if err := g.mergeEnvironment(); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().StringVar(&g.CacheDirectory, "cache", g.CacheDirectory, "`dir`ectory to store manifests in")
	rootCommand.PersistentFlags().Var(g.Prefixes.flag(), "prefix", "register `dir`ectory as a path prefix (can be passed multiple times)")
	rootCommand.PersistentFlags().BoolVar(&g.SharedLock, "shared-lock", g.SharedLock, "allow concurrent readers of the same step")
	rootCommand.PersistentFlags().Var(g.HashEnv.flag(), "hash-env", "include environment `var`iable in every step's key (can be passed multiple times)")
	rootCommand.PersistentFlags().BoolVar(&g.Debug, "debug", g.Debug, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.Debug)
		return g.validate()
	}

	rootCommand.AddCommand(
		newRunCommand(g),
		newBatchCommand(g),
		newManifestCommand(g),
		newHashCommand(),
		newVersionCommand(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(g.Debug)
		log.Errorf(context.Background(), "%v", err)
		var exitErr *stepExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

// stepExitError is returned when a step's command exits unsuccessfully.
type stepExitError struct {
	name string
	code int
}

func (e *stepExitError) Error() string {
	return fmt.Sprintf("%s: exit status %d", e.name, e.code)
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "buildcache: ", log.StdFlags, nil),
		})
	})
}
