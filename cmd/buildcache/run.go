// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type runOptions struct {
	step
}

func newRunCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "run [options] -- COMMAND [ARG [...]]",
		Short:                 "run a command unless its inputs are unchanged",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(runOptions)
	c.Flags().VarP((*listFlag)(&opts.Strings), "string", "s", "include `value` in the step's key (can be passed multiple times)")
	c.Flags().VarP((*listFlag)(&opts.Inputs), "input", "i", "`file` read by the command (can be passed multiple times)")
	c.Flags().StringVarP(&opts.DepFile, "depfile", "d", "", "Make-style dependency `file` written by the command")
	c.Flags().Var((*listFlag)(&opts.Post), "post", "`file` read by the command that is only known afterward (can be passed multiple times)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.Command = args
		return runRun(cmd.Context(), g, opts)
	}
	return c
}

func runRun(ctx context.Context, g *globalConfig, opts *runOptions) error {
	c, err := g.openCache()
	if err != nil {
		return err
	}
	result, err := runStep(ctx, g, c, &opts.step, os.Stderr)
	if err != nil {
		return err
	}
	return printResult(os.Stdout, result)
}

// printResult writes the step's digest to w,
// annotated with whether it was cached if w is a terminal.
func printResult(w io.Writer, result stepResult) error {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		status := "miss"
		if result.hit {
			status = "hit"
		}
		_, err := fmt.Fprintf(w, "%v (%s)\n", result.digest, status)
		return err
	}
	_, err := fmt.Fprintln(w, result.digest)
	return err
}
