// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package recordlist implements the sorted, prefix-compressed list of
// (partial key, primary position) entries stored behind a single bucket.
//
// A list is a flat byte slice, entries back to back, each shaped:
//
//	key_len (u8) || partial_key (key_len bytes) || position (u64 LE)
//
// Entries are sorted by partial_key and partial_key never fully repeats a
// neighbor's bytes: it is the shortest prefix of the entry's real trimmed
// key that still distinguishes it from both its sorted neighbors. That
// makes every operation here pure and I/O-free — no entry's stored bytes
// are ever enough on their own to recover the original full key, so the
// caller (package indexfile) is the one that talks to a Primary to fetch
// full keys when the record list needs to grow or be re-partitioned.
//
// There is no delete: removing an entry would need a tombstone byte this
// encoding doesn't reserve space for, so it isn't attempted here.
package recordlist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
)

// ErrMalformedEntry is returned when a byte slice handed to Decode does not
// parse as a whole number of length-prefixed entries.
var ErrMalformedEntry = errors.New("recordlist: malformed entry")

const (
	keyLenSize   = 1
	positionSize = 8
	maxKeyLen    = 1<<8 - 1
)

// Entry is one decoded (partial key, primary position) pair. PartialKey
// aliases the byte slice it was decoded from; callers that intend to keep
// it around past a subsequent Encode of a modified slice should copy it.
type Entry struct {
	PartialKey []byte
	Position   uint64
}

// encodedLen returns the number of bytes Entry occupies once encoded.
func (e Entry) encodedLen() int {
	return keyLenSize + len(e.PartialKey) + positionSize
}

// Decode parses a record-list payload into its entries, in stored (sorted)
// order. It aliases data: the returned entries' PartialKey slices point
// into data and must not be retained past a mutation of it.
func Decode(data []byte) ([]Entry, error) {
	var entries []Entry
	off := 0
	for off < len(data) {
		if off+keyLenSize > len(data) {
			return nil, ErrMalformedEntry
		}
		keyLen := int(data[off])
		need := keyLenSize + keyLen + positionSize
		if off+need > len(data) {
			return nil, ErrMalformedEntry
		}
		partial := data[off+keyLenSize : off+keyLenSize+keyLen]
		pos := binary.LittleEndian.Uint64(data[off+keyLenSize+keyLen : off+need])
		entries = append(entries, Entry{PartialKey: partial, Position: pos})
		off += need
	}
	return entries, nil
}

// Encode serializes entries back into a record-list payload, in the order
// given. Callers are responsible for keeping that order sorted by
// PartialKey; Encode itself does not sort.
func Encode(entries []Entry) ([]byte, error) {
	size := 0
	for _, e := range entries {
		if len(e.PartialKey) > maxKeyLen {
			return nil, ErrMalformedEntry
		}
		size += e.encodedLen()
	}
	buf := make([]byte, size)
	off := 0
	for _, e := range entries {
		buf[off] = byte(len(e.PartialKey))
		off += keyLenSize
		off += copy(buf[off:], e.PartialKey)
		binary.LittleEndian.PutUint64(buf[off:off+positionSize], e.Position)
		off += positionSize
	}
	return buf, nil
}

// EncodeSingle is a convenience for building the payload of a brand-new,
// one-entry record list — the case where a bucket was previously empty.
func EncodeSingle(partialKey []byte, position uint64) ([]byte, error) {
	return Encode([]Entry{{PartialKey: partialKey, Position: position}})
}

// Search returns the index of the first entry whose PartialKey is >=
// trimmedKey, in the same sense as sort.Search: it is in [0, len(entries)],
// and entries[Search(...)-1].PartialKey, if it exists, is the closest
// entry below trimmedKey.
func Search(entries []Entry, trimmedKey []byte) int {
	return sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].PartialKey, trimmedKey) >= 0
	})
}

// Lookup finds the position stored for trimmedKey, if any. It performs one
// binary search followed by at most one prefix comparison: a stored
// partial_key can only match trimmedKey by being equal to it or, for the
// single entry immediately below the search point, by being a byte-prefix
// of it.
func Lookup(entries []Entry, trimmedKey []byte) (position uint64, ok bool) {
	i := Search(entries, trimmedKey)
	if i < len(entries) && bytes.Equal(entries[i].PartialKey, trimmedKey) {
		return entries[i].Position, true
	}
	if i > 0 && bytes.HasPrefix(trimmedKey, entries[i-1].PartialKey) {
		return entries[i-1].Position, true
	}
	return 0, false
}

// CommonPrefixLen returns the number of leading bytes a and b share, which
// is at most min(len(a), len(b)).
func CommonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Iterator walks a decoded record list forward.
type Iterator struct {
	entries []Entry
	pos     int
}

// NewIterator returns an Iterator over the already-decoded entries of a
// record list.
func NewIterator(entries []Entry) *Iterator {
	return &Iterator{entries: entries}
}

// Next returns the next entry and advances the iterator. ok is false once
// the list is exhausted.
func (it *Iterator) Next() (Entry, bool) {
	if it.pos >= len(it.entries) {
		return Entry{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true
}
