// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/csv"
	"slices"
	"strings"

	"github.com/spf13/pflag"
)

var (
	_ pflag.SliceValue = (*stringSetFlag)(nil)
	_ pflag.Value      = (*stringSetFlag)(nil)
	_ pflag.Value      = (*listFlag)(nil)
)

// stringSet is a sorted list of distinct strings.
type stringSet []string

func (set stringSet) has(s string) bool {
	_, found := slices.BinarySearch(set, s)
	return found
}

func (set *stringSet) add(vals ...string) {
	for _, s := range vals {
		i, found := slices.BinarySearch(*set, s)
		if !found {
			*set = slices.Insert(*set, i, s)
		}
	}
}

func (set *stringSet) flag() *stringSetFlag {
	return &stringSetFlag{set: set}
}

// stringSetFlag is similar to [github.com/spf13/pflag.StringArray],
// but prevents duplicate entries.
// Values from the command line are added to any configured values.
type stringSetFlag struct {
	set *stringSet
}

func (f *stringSetFlag) Get() any            { return *f.set }
func (f *stringSetFlag) Type() string        { return "stringArray" }
func (f *stringSetFlag) GetSlice() []string { return slices.Clone(*f.set) }

func (f *stringSetFlag) String() string {
	buf := new(bytes.Buffer)
	buf.WriteString("[")
	w := csv.NewWriter(buf)
	_ = w.Write(*f.set)
	w.Flush()
	b := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	b = append(b, "]"...)
	return string(b)
}

func (f *stringSetFlag) Set(s string) error {
	f.set.add(s)
	return nil
}

func (f *stringSetFlag) Append(val string) error {
	f.set.add(val)
	return nil
}

func (f *stringSetFlag) Replace(val []string) error {
	*f.set = (*f.set)[:0]
	f.set.add(val...)
	return nil
}

// listFlag is a repeatable flag that preserves order and duplicates,
// for values whose position matters (such as hashed strings).
type listFlag []string

func (f *listFlag) Type() string   { return "stringArray" }
func (f *listFlag) String() string { return "[" + strings.Join(*f, ",") + "]" }

func (f *listFlag) Set(s string) error {
	*f = append(*f, s)
	return nil
}
