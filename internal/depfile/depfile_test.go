// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package depfile

import (
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		data string
		want []Rule
	}{
		{
			name: "Empty",
			data: "",
			want: nil,
		},
		{
			name: "Simple",
			data: "foo.o: foo.c foo.h\n",
			want: []Rule{{
				Targets: []string{"foo.o"},
				Prereqs: []string{"foo.c", "foo.h"},
			}},
		},
		{
			name: "NoTrailingNewline",
			data: "foo.o: foo.c",
			want: []Rule{{
				Targets: []string{"foo.o"},
				Prereqs: []string{"foo.c"},
			}},
		},
		{
			name: "Continuations",
			data: "foo.o: foo.c \\\n  bar.h \\\r\n baz.h\n",
			want: []Rule{{
				Targets: []string{"foo.o"},
				Prereqs: []string{"foo.c", "bar.h", "baz.h"},
			}},
		},
		{
			name: "Escapes",
			data: `a\ b.o: c\ d.h e\#f.h $$g.h` + "\n",
			want: []Rule{{
				Targets: []string{"a b.o"},
				Prereqs: []string{"c d.h", "e#f.h", "$g.h"},
			}},
		},
		{
			name: "WindowsPaths",
			data: `C:\out\a.obj: C:\src\a.c "C:\Program Files\inc\b.h"` + "\r\n",
			want: []Rule{{
				Targets: []string{`C:\out\a.obj`},
				Prereqs: []string{`C:\src\a.c`, `C:\Program Files\inc\b.h`},
			}},
		},
		{
			name: "MultipleRules",
			data: "a.o: a.c\nb.o: b.c b.h\n",
			want: []Rule{
				{Targets: []string{"a.o"}, Prereqs: []string{"a.c"}},
				{Targets: []string{"b.o"}, Prereqs: []string{"b.c", "b.h"}},
			},
		},
		{
			name: "EmptyRuleThenRule",
			data: "a.o:\nb.o: b.c\n",
			want: []Rule{
				{Targets: []string{"a.o"}},
				{Targets: []string{"b.o"}, Prereqs: []string{"b.c"}},
			},
		},
		{
			name: "MultipleTargets",
			data: "a.o a.d: c.h\n",
			want: []Rule{{
				Targets: []string{"a.o", "a.d"},
				Prereqs: []string{"c.h"},
			}},
		},
		{
			name: "Comments",
			data: "# generated\na.o: a.c # trailing\n",
			want: []Rule{{
				Targets: []string{"a.o"},
				Prereqs: []string{"a.c"},
			}},
		},
		{
			name: "OrderOnly",
			data: "a.o: a.c | objdir\n",
			want: []Rule{{
				Targets: []string{"a.o"},
				Prereqs: []string{"a.c", "objdir"},
			}},
		},
		{
			name: "DoubleColon",
			data: "a.o:: a.c\n",
			want: []Rule{{
				Targets: []string{"a.o"},
				Prereqs: []string{"a.c"},
			}},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Parse([]byte(test.data))
			if err != nil {
				t.Fatal("Parse:", err)
			}
			if diff := cmp.Diff(test.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Parse(%q) (-want +got):\n%s", test.data, diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"MissingColon", "a.o b.o\n"},
		{"MissingColonAtEOF", "a.o"},
		{"MissingTarget", ": a.c\n"},
		{"TrailingBackslash", "a.o: b\\"},
		{"UnterminatedQuote", "a.o: \"b.h\n"},
		{"EmptyQuote", "a.o: \"\"\n"},
		{"PrereqOnNextLine", "a.o:\n b.h\n"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Parse([]byte(test.data))
			if err == nil {
				t.Fatalf("Parse(%q) = %q, <nil>; want error", test.data, got)
			}
			if synErr := (*SyntaxError)(nil); !errors.As(err, &synErr) {
				t.Errorf("Parse(%q) error = %v (%T); want *SyntaxError", test.data, err, err)
			}
		})
	}
}

func TestScannerStopsAfterError(t *testing.T) {
	s := NewScanner([]byte("a.o b.o\nc.o: c.c\n"))
	var firstErr error
	for {
		_, err := s.Next()
		if err != nil {
			firstErr = err
			break
		}
	}
	if firstErr == io.EOF {
		t.Fatal("Next() reached EOF; want syntax error")
	}
	if _, err := s.Next(); err != firstErr {
		t.Errorf("Next() after error = %v; want %v", err, firstErr)
	}
}

func TestPrerequisites(t *testing.T) {
	data := "a.o: a.c a.h\nb.o: b.c \\\n a.h\n"
	got, err := Prerequisites([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.c", "a.h", "b.c", "a.h"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Prerequisites (-want +got):\n%s", diff)
	}
}
