// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/seyhajin/zig-sub000/buildcache"
	"zombiezen.com/go/log"
)

// A step is a command whose result is cached.
type step struct {
	// Command is the program and its arguments.
	Command []string `json:"command"`
	// Strings are extra values included in the key.
	Strings []string `json:"strings,omitempty"`
	// Inputs are files read by the command that are known beforehand.
	Inputs []string `json:"inputs,omitempty"`
	// DepFile is the path of a Make-style dependency file
	// written by the command listing the files it read.
	DepFile string `json:"depfile,omitempty"`
	// Post are additional files read by the command.
	Post []string `json:"post,omitempty"`
}

func (st *step) name() string {
	if len(st.Command) == 0 {
		return "<empty step>"
	}
	return st.Command[0]
}

type stepResult struct {
	hit    bool
	digest buildcache.Digest
}

// runStep checks the cache for st and runs its command on a miss.
// The command's standard output and error are both written to output.
func runStep(ctx context.Context, g *globalConfig, c *buildcache.Cache, st *step, output io.Writer) (stepResult, error) {
	if len(st.Command) == 0 {
		return stepResult{}, fmt.Errorf("step has no command")
	}
	s := c.Obtain()
	defer func() {
		if err := s.Close(); err != nil {
			log.Warnf(ctx, "Releasing lock for %s: %v", st.name(), err)
		}
	}()
	s.WantSharedLock = g.SharedLock

	h := s.Hash()
	h.AddStringList(st.Command)
	h.AddStringList(st.Strings)
	hashEnvironment(h, g.HashEnv)
	for _, path := range st.Inputs {
		if _, err := s.AddFile(path, nil); err != nil {
			return stepResult{}, fmt.Errorf("%s: %w", st.name(), err)
		}
	}

	hit, err := s.Hit(ctx)
	if err != nil {
		return stepResult{}, fmt.Errorf("%s: %w", st.name(), err)
	}
	if hit {
		log.Debugf(ctx, "Skipping %s (cached as %v)", st.name(), s.Key())
		// Hit may have refreshed the metadata of touched but unchanged inputs.
		if err := s.WriteManifest(ctx); err != nil {
			return stepResult{}, fmt.Errorf("%s: %w", st.name(), err)
		}
		return stepResult{hit: true, digest: s.Final()}, nil
	}

	log.Infof(ctx, "Running %s", st.name())
	cmd := exec.CommandContext(ctx, st.Command[0], st.Command[1:]...)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			return stepResult{}, &stepExitError{name: st.name(), code: exitErr.ExitCode()}
		}
		return stepResult{}, fmt.Errorf("%s: %w", st.name(), err)
	}

	if st.DepFile != "" {
		if err := s.AddDepFilePost(ctx, "", st.DepFile); err != nil {
			return stepResult{}, fmt.Errorf("%s: %w", st.name(), err)
		}
	}
	for _, path := range st.Post {
		if err := s.AddFilePost(ctx, path); err != nil {
			return stepResult{}, fmt.Errorf("%s: %w", st.name(), err)
		}
	}
	if err := s.WriteManifest(ctx); err != nil {
		return stepResult{}, fmt.Errorf("%s: %w", st.name(), err)
	}
	return stepResult{hit: false, digest: s.Final()}, nil
}

// hashEnvironment adds the name and value (or absence) of each variable in names.
func hashEnvironment(h *buildcache.Hasher, names stringSet) {
	buildcache.AddList(h, names, func(h *buildcache.Hasher, name string) {
		h.AddString(name)
		if v, ok := os.LookupEnv(name); ok {
			h.AddOptionalString(&v)
		} else {
			h.AddOptionalString(nil)
		}
	})
}
