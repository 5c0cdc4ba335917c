// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/dchest/siphash"
)

// DigestSize is the size of a [Digest] in bytes.
// 128 bits keeps the chance of a collision below one in a million
// for up to 2^54 cache entries.
const DigestSize = 16

// hasherKey is the SipHash key used for every digest.
// It must change whenever the manifest format changes incompatibly.
const hasherKey = "buildcache-v0001"

// A Digest is a fingerprint of hashed build inputs.
type Digest [DigestSize]byte

// ParseDigest parses a hex-encoded digest as returned by [Digest.String].
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != hex.EncodedLen(DigestSize) {
		return Digest{}, fmt.Errorf("parse digest %q: wrong length", s)
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return Digest{}, fmt.Errorf("parse digest %q: %v", s, err)
	}
	return d, nil
}

// String returns the digest as 32 lowercase hex characters.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// AppendText appends the hex encoding of d to dst.
func (d Digest) AppendText(dst []byte) ([]byte, error) {
	return hex.AppendEncode(dst, d[:]), nil
}

// MarshalText returns the hex encoding of d.
func (d Digest) MarshalText() ([]byte, error) {
	return d.AppendText(nil)
}

// UnmarshalText parses a hex-encoded digest.
func (d *Digest) UnmarshalText(text []byte) error {
	var err error
	*d, err = ParseDigest(string(text))
	return err
}

// A Hasher accumulates a digest over a sequence of typed values.
// Variable-length values are preceded by their length
// so that distinct sequences of values never produce the same byte stream.
// This guards against accidental ambiguity, not against an adversary.
//
// The zero value is not usable; use [NewHasher].
type Hasher struct {
	h       hash.Hash
	final   bool
	record  bool
	written []byte // everything written, if record is set
	scratch [8]byte
}

// NewHasher returns a new [Hasher] in its initial state.
func NewHasher() *Hasher {
	return &Hasher{h: newSipHash()}
}

func newSipHash() hash.Hash {
	return siphash.New128([]byte(hasherKey))
}

// newRecordingHasher returns a [Hasher] that can be cloned.
func newRecordingHasher() *Hasher {
	h := NewHasher()
	h.record = true
	return h
}

// clone returns an independent copy of a recording hasher.
func (h *Hasher) clone() *Hasher {
	if !h.record {
		panic("buildcache: clone of non-recording Hasher")
	}
	h2 := NewHasher()
	h2.write(h.written)
	return h2
}

// reset returns h to the state of a new hasher that has only seen d.
func (h *Hasher) reset(d Digest) {
	h.h = newSipHash()
	h.final = false
	h.written = h.written[:0]
	h.AddDigest(d)
}

func (h *Hasher) write(b []byte) {
	if h.final {
		panic("buildcache: write to finalized Hasher")
	}
	h.h.Write(b)
	if h.record {
		h.written = append(h.written, b...)
	}
}

// AddBool adds a boolean as a single byte.
func (h *Hasher) AddBool(b bool) {
	h.scratch[0] = 0
	if b {
		h.scratch[0] = 1
	}
	h.write(h.scratch[:1])
}

// AddUint64 adds x as eight little-endian bytes.
func (h *Hasher) AddUint64(x uint64) {
	h.write(binary.LittleEndian.AppendUint64(h.scratch[:0], x))
}

// AddInt64 adds x as eight little-endian bytes.
func (h *Hasher) AddInt64(x int64) {
	h.AddUint64(uint64(x))
}

// AddPrimitive adds a fixed-size value:
// a boolean, a sized integer or float (including named types such as enums),
// or an array or struct composed only of those.
// AddPrimitive panics if x does not have a fixed size
// (for example, int, string, or a slice).
func (h *Hasher) AddPrimitive(x any) {
	b, err := binary.Append(h.scratch[:0], binary.LittleEndian, x)
	if err != nil {
		panic(fmt.Sprintf("buildcache: AddPrimitive(%T): %v", x, err))
	}
	h.write(b)
}

// AddBytes adds the length of b followed by b.
func (h *Hasher) AddBytes(b []byte) {
	h.AddUint64(uint64(len(b)))
	h.write(b)
}

// AddString adds the length of s followed by s.
func (h *Hasher) AddString(s string) {
	h.AddUint64(uint64(len(s)))
	if h.record {
		h.write([]byte(s))
		return
	}
	io.WriteString(h.h, s)
}

// AddOptionalBytes adds whether ok is true and, if so, b.
func (h *Hasher) AddOptionalBytes(b []byte, ok bool) {
	h.AddBool(ok)
	if ok {
		h.AddBytes(b)
	}
}

// AddOptionalString adds whether s is non-nil and, if so, *s.
func (h *Hasher) AddOptionalString(s *string) {
	h.AddBool(s != nil)
	if s != nil {
		h.AddString(*s)
	}
}

// AddStringList adds the number of elements in list followed by each element.
func (h *Hasher) AddStringList(list []string) {
	AddList(h, list, (*Hasher).AddString)
}

// AddBytesList adds the number of elements in list followed by each element.
func (h *Hasher) AddBytesList(list [][]byte) {
	AddList(h, list, (*Hasher).AddBytes)
}

// AddList adds the number of elements in items
// followed by each element as added by add.
func AddList[T any](h *Hasher, items []T, add func(*Hasher, T)) {
	h.AddUint64(uint64(len(items)))
	for _, x := range items {
		add(h, x)
	}
}

// AddDigest adds the bytes of a digest. Digests are fixed-size,
// so no length is added.
func (h *Hasher) AddDigest(d Digest) {
	h.write(d[:])
}

// Snapshot returns the digest of everything added so far
// without changing the state of h.
func (h *Hasher) Snapshot() Digest {
	var d Digest
	h.h.Sum(d[:0])
	return d
}

// Final returns the digest of everything added so far.
// Adding to h after calling Final panics.
func (h *Hasher) Final() Digest {
	d := h.Snapshot()
	h.final = true
	return d
}

// ContentDigest returns the digest of the bytes read from r until EOF.
// Unlike [Hasher.AddBytes], no length is added.
func ContentDigest(r io.Reader) (Digest, error) {
	h := newSipHash()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	var d Digest
	h.Sum(d[:0])
	return d, nil
}
