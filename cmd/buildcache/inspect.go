// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/seyhajin/zig-sub000/buildcache"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

func newManifestCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "manifest [options] KEY",
		Short:                 "show the files recorded for a step",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runManifest(cmd.Context(), g, args[0])
	}
	return c
}

func runManifest(ctx context.Context, g *globalConfig, keyString string) error {
	key, err := buildcache.ParseDigest(keyString)
	if err != nil {
		return err
	}
	c, err := g.openCache()
	if err != nil {
		return err
	}
	log.Debugf(ctx, "Reading %s", c.ManifestPath(key))
	files, err := c.ReadManifest(key)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no manifest for %v", key)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "DIGEST\tSIZE\tPATH")
	for _, f := range files {
		path := f.Path.String()
		if int(f.Path.Prefix) < len(c.Prefixes()) {
			path = c.Join(f.Path)
		}
		fmt.Fprintf(tw, "%v\t%d\t%s\n", f.Digest, f.Stat.Size, path)
	}
	return tw.Flush()
}

func newHashCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "hash FILE [...]",
		Short:                 "print the content digest of files",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runHash(args)
	}
	return c
}

func runHash(paths []string) error {
	for _, path := range paths {
		d, err := hashFile(path)
		if err != nil {
			return err
		}
		fmt.Printf("%v  %s\n", d, path)
	}
	return nil
}

func hashFile(path string) (buildcache.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return buildcache.Digest{}, err
	}
	defer f.Close()
	d, err := buildcache.ContentDigest(f)
	if err != nil {
		return buildcache.Digest{}, fmt.Errorf("hash %s: %v", path, err)
	}
	return d, nil
}
