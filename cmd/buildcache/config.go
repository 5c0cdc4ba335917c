// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/seyhajin/zig-sub000/buildcache"
	"github.com/tailscale/hujson"
)

type globalConfig struct {
	Debug          bool      `json:"debug"`
	CacheDirectory string    `json:"cacheDirectory"`
	Prefixes       stringSet `json:"prefixes"`
	SharedLock     bool      `json:"sharedLock"`
	HashEnv        stringSet `json:"hashEnvironment"`
	Jobs           int       `json:"jobs"`
}

// defaultGlobalConfig returns the configuration used
// before any files, environment variables, or flags are applied.
func defaultGlobalConfig() *globalConfig {
	g := &globalConfig{
		Jobs: runtime.NumCPU(),
	}
	if cd := cacheDir(); cd != "" {
		g.CacheDirectory = filepath.Join(cd, "buildcache")
	}
	return g
}

func (g *globalConfig) mergeEnvironment() error {
	if dir := os.Getenv("BUILDCACHE_DIR"); dir != "" {
		g.CacheDirectory = dir
	}
	if s := os.Getenv("BUILDCACHE_DEBUG"); s != "" {
		debug, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("BUILDCACHE_DEBUG: %v", err)
		}
		g.Debug = debug
	}
	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}

	return nil
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON decoder,
// merging any fields in the JSON object with existing values.
// Lists are added to rather than replaced.
func (g *globalConfig) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
			// Keep going.
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		switch k := keyToken.String(); k {
		case "debug":
			if err := jsonv2.UnmarshalDecode(in, &g.Debug); err != nil {
				return fmt.Errorf("unmarshal config.debug: %w", err)
			}
		case "cacheDirectory":
			if err := jsonv2.UnmarshalDecode(in, &g.CacheDirectory); err != nil {
				return fmt.Errorf("unmarshal config.cacheDirectory: %w", err)
			}
		case "prefixes":
			var dirs []string
			if err := jsonv2.UnmarshalDecode(in, &dirs); err != nil {
				return fmt.Errorf("unmarshal config.prefixes: %w", err)
			}
			g.Prefixes.add(dirs...)
		case "sharedLock":
			if err := jsonv2.UnmarshalDecode(in, &g.SharedLock); err != nil {
				return fmt.Errorf("unmarshal config.sharedLock: %w", err)
			}
		case "hashEnvironment":
			var names []string
			if err := jsonv2.UnmarshalDecode(in, &names); err != nil {
				return fmt.Errorf("unmarshal config.hashEnvironment: %w", err)
			}
			g.HashEnv.add(names...)
		case "jobs":
			if err := jsonv2.UnmarshalDecode(in, &g.Jobs); err != nil {
				return fmt.Errorf("unmarshal config.jobs: %w", err)
			}
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
			if err := in.SkipValue(); err != nil {
				return err
			}
		}
	}
}

func (g *globalConfig) validate() error {
	if g.CacheDirectory == "" {
		return fmt.Errorf("cache directory not set")
	}
	if len(g.Prefixes) > 3 {
		return fmt.Errorf("at most 3 prefixes may be registered (got %d)", len(g.Prefixes))
	}
	if g.Jobs < 1 {
		return fmt.Errorf("jobs must be positive (got %d)", g.Jobs)
	}
	return nil
}

// openCache opens the configured cache directory
// and registers the configured prefixes.
func (g *globalConfig) openCache() (*buildcache.Cache, error) {
	c, err := buildcache.New(g.CacheDirectory, nil)
	if err != nil {
		return nil, err
	}
	for _, dir := range g.Prefixes {
		if _, err := c.AddPrefix(dir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// configPaths returns the configuration files to read,
// in order from least to most preferred.
func configPaths() iter.Seq[string] {
	return func(yield func(string) bool) {
		dirs := configDirs()
		for _, dir := range slices.Backward(dirs) {
			if !yield(filepath.Join(dir, "buildcache", "config.jwcc")) {
				return
			}
		}
	}
}
