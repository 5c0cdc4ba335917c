// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package depfile parses the Make-style dependency listings
// written by compilers (e.g. "gcc -MD" or "clang -MD").
//
// A listing consists of rules of the form:
//
//	target [target...]: [prerequisite...]
//
// Rules end at an unescaped newline.
// A backslash immediately before a newline continues the rule on the next line.
// Within a name, "\ " is a space, "\#" is a number sign, and "$$" is a dollar sign.
// Any other backslash is kept literally so that Windows paths survive.
// An unescaped "#" starts a comment that runs to the end of the line.
// Prerequisites may also be enclosed in double quotes,
// in which case everything up to the closing quote is taken verbatim.
package depfile

import (
	"fmt"
	"io"
)

// A Token is a single name in a dependency listing.
type Token struct {
	Kind  TokenKind
	Value string
}

// String returns a debugging representation of the token.
func (tok Token) String() string {
	return fmt.Sprintf("%v(%q)", tok.Kind, tok.Value)
}

// TokenKind distinguishes rule targets from prerequisites.
type TokenKind int8

// Token kinds.
const (
	Target TokenKind = 1 + iota
	Prereq
)

func (kind TokenKind) String() string {
	switch kind {
	case Target:
		return "Target"
	case Prereq:
		return "Prereq"
	default:
		return fmt.Sprintf("TokenKind(%d)", int8(kind))
	}
}

// SyntaxError is returned for malformed dependency listings.
type SyntaxError struct {
	// Offset is the byte offset into the listing where the error was detected.
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("offset %d: %s", e.Offset, e.Msg)
}

// Scanner reads tokens from a dependency listing held in memory.
type Scanner struct {
	data      []byte
	pos       int
	err       error
	inPrereqs bool // past the colon of the current rule
	hasTarget bool // read a target since the last colon or newline
	rules     int  // number of rules started
}

// NewScanner returns a new scanner that reads from data.
func NewScanner(data []byte) *Scanner {
	return &Scanner{data: data}
}

// Next returns the next token in the listing.
// Next returns [io.EOF] after the last token of a well-formed listing
// or a [*SyntaxError] if the listing is malformed.
func (s *Scanner) Next() (Token, error) {
	if s.err != nil {
		return Token{}, s.err
	}
	tok, err := s.next()
	if err != nil {
		s.err = err
		return Token{}, err
	}
	return tok, nil
}

func (s *Scanner) next() (Token, error) {
	for {
		s.skipSpace()
		if s.pos >= len(s.data) {
			if s.hasTarget {
				return Token{}, s.errorf("expected ':' after target")
			}
			return Token{}, io.EOF
		}

		switch c := s.data[s.pos]; c {
		case '\n', '\r':
			if s.hasTarget {
				return Token{}, s.errorf("expected ':' after target")
			}
			s.inPrereqs = false
			s.pos++
			continue
		case '#':
			s.skipComment()
			continue
		}

		if !s.inPrereqs {
			if s.data[s.pos] == ':' {
				if !s.hasTarget {
					return Token{}, s.errorf("missing target before ':'")
				}
				s.pos++
				// Tolerate double-colon rules.
				if s.pos < len(s.data) && s.data[s.pos] == ':' {
					s.pos++
				}
				s.inPrereqs = true
				s.hasTarget = false
				continue
			}
			name, err := s.readName(true)
			if err != nil {
				return Token{}, err
			}
			if !s.hasTarget {
				s.rules++
			}
			s.hasTarget = true
			return Token{Kind: Target, Value: name}, nil
		}

		if s.data[s.pos] == '"' {
			name, err := s.readQuoted()
			if err != nil {
				return Token{}, err
			}
			return Token{Kind: Prereq, Value: name}, nil
		}
		name, err := s.readName(false)
		if err != nil {
			return Token{}, err
		}
		if name == "|" {
			// Separator for order-only prerequisites.
			continue
		}
		return Token{Kind: Prereq, Value: name}, nil
	}
}

// skipSpace advances past blanks and line continuations.
func (s *Scanner) skipSpace() {
	for s.pos < len(s.data) {
		switch s.data[s.pos] {
		case ' ', '\t':
			s.pos++
		case '\\':
			n := continuationLen(s.data[s.pos:])
			if n == 0 {
				return
			}
			s.pos += n
		default:
			return
		}
	}
}

func (s *Scanner) skipComment() {
	for s.pos < len(s.data) && s.data[s.pos] != '\n' && s.data[s.pos] != '\r' {
		s.pos++
	}
}

// continuationLen returns the length of the backslash-newline sequence
// at the start of b or zero if b does not start with one.
func continuationLen(b []byte) int {
	switch {
	case len(b) >= 2 && b[0] == '\\' && b[1] == '\n':
		return 2
	case len(b) >= 3 && b[0] == '\\' && b[1] == '\r' && b[2] == '\n':
		return 3
	default:
		return 0
	}
}

func (s *Scanner) readName(isTarget bool) (string, error) {
	start := s.pos
	var buf []byte
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		switch c {
		case ' ', '\t', '\n', '\r', '#':
			return string(buf), nil
		case '$':
			buf = append(buf, '$')
			if s.pos+1 < len(s.data) && s.data[s.pos+1] == '$' {
				s.pos += 2
			} else {
				s.pos++
			}
		case '\\':
			if s.pos+1 >= len(s.data) {
				return "", s.errorf("incomplete escape at end of input")
			}
			if continuationLen(s.data[s.pos:]) > 0 {
				return string(buf), nil
			}
			switch next := s.data[s.pos+1]; next {
			case ' ', '#':
				buf = append(buf, next)
				s.pos += 2
			case '\\':
				buf = append(buf, '\\', '\\')
				s.pos += 2
			default:
				buf = append(buf, '\\')
				s.pos++
			}
		case ':':
			if !isTarget {
				buf = append(buf, c)
				s.pos++
				continue
			}
			if s.pos == start+1 && isASCIILetter(buf[0]) && s.pos+1 < len(s.data) && (s.data[s.pos+1] == '\\' || s.data[s.pos+1] == '/') {
				// Windows drive letter.
				buf = append(buf, c)
				s.pos++
				continue
			}
			return string(buf), nil
		default:
			buf = append(buf, c)
			s.pos++
		}
	}
	return string(buf), nil
}

func (s *Scanner) readQuoted() (string, error) {
	start := s.pos
	s.pos++ // opening quote
	for i := s.pos; i < len(s.data); i++ {
		switch s.data[i] {
		case '"':
			name := string(s.data[s.pos:i])
			s.pos = i + 1
			if name == "" {
				return "", &SyntaxError{Offset: start, Msg: "empty quoted prerequisite"}
			}
			return name, nil
		case '\n', '\r':
			return "", &SyntaxError{Offset: start, Msg: "unterminated quoted prerequisite"}
		}
	}
	return "", &SyntaxError{Offset: start, Msg: "unterminated quoted prerequisite"}
}

func (s *Scanner) errorf(format string, args ...any) error {
	return &SyntaxError{Offset: s.pos, Msg: fmt.Sprintf(format, args...)}
}

func isASCIILetter(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}

// A Rule is a single "targets: prerequisites" entry.
type Rule struct {
	Targets []string
	Prereqs []string
}

// Parse parses every rule in a dependency listing.
func Parse(data []byte) ([]Rule, error) {
	var rules []Rule
	s := NewScanner(data)
	for {
		tok, err := s.Next()
		if err == io.EOF {
			return rules, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rules) < s.rules {
			rules = append(rules, Rule{})
		}
		r := &rules[len(rules)-1]
		switch tok.Kind {
		case Target:
			r.Targets = append(r.Targets, tok.Value)
		case Prereq:
			r.Prereqs = append(r.Prereqs, tok.Value)
		}
	}
}

// Prerequisites returns the prerequisites of every rule in data,
// in the order they appear.
func Prerequisites(data []byte) ([]string, error) {
	var prereqs []string
	s := NewScanner(data)
	for {
		tok, err := s.Next()
		if err == io.EOF {
			return prereqs, nil
		}
		if err != nil {
			return nil, err
		}
		if tok.Kind == Prereq {
			prereqs = append(prereqs, tok.Value)
		}
	}
}
