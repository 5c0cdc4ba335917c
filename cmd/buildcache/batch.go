// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/spf13/cobra"
	"github.com/tailscale/hujson"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

type batchOptions struct {
	file string
	jobs int
}

func newBatchCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "batch [options] FILE",
		Short:                 "run the steps listed in a file concurrently",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(batchOptions)
	c.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "run at most `n` steps at once (default from configuration)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.file = args[0]
		if opts.jobs <= 0 {
			opts.jobs = g.Jobs
		}
		return runBatch(cmd.Context(), g, opts)
	}
	return c
}

// readSteps reads a JWCC array of steps from path.
func readSteps(path string) ([]*step, error) {
	huJSONData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jsonData, err := hujson.Standardize(huJSONData)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v", path, err)
	}
	var steps []*step
	if err := jsonv2.Unmarshal(jsonData, &steps); err != nil {
		return nil, fmt.Errorf("read %s: %v", path, err)
	}
	for i, st := range steps {
		if st == nil || len(st.Command) == 0 {
			return nil, fmt.Errorf("read %s: step %d has no command", path, i)
		}
	}
	return steps, nil
}

func runBatch(ctx context.Context, g *globalConfig, opts *batchOptions) error {
	steps, err := readSteps(opts.file)
	if err != nil {
		return err
	}
	c, err := g.openCache()
	if err != nil {
		return err
	}

	results := make([]stepResult, len(steps))
	var outputMu sync.Mutex
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(opts.jobs)
	for i, st := range steps {
		grp.Go(func() error {
			output := &lockedWriter{mu: &outputMu, w: os.Stderr}
			var err error
			results[i], err = runStep(grpCtx, g, c, st, output)
			return err
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}

	hits := 0
	for _, result := range results {
		if result.hit {
			hits++
		}
		if err := printResult(os.Stdout, result); err != nil {
			return err
		}
	}
	log.Infof(ctx, "%d of %d steps cached", hits, len(steps))
	return nil
}

// lockedWriter serializes writes from concurrent steps.
type lockedWriter struct {
	mu *sync.Mutex
	w  *os.File
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
