// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package storethehash is an on-disk index for content-addressable
// systems: it maps opaque hash keys to 64-bit offsets in a pluggable
// primary store, using a hashed-prefix bucket table backed by an
// append-only, prefix-compressed record log.
//
// The index itself never holds key or value bytes; it only ever stores
// and returns the positions a Primary hands it. Table wires a Primary
// together with the in-memory bucket table and on-disk index log so callers can
// Put and Get by full key without touching either piece directly.
package storethehash

import (
	"bytes"
	"fmt"

	"github.com/vmx/storethehash/indexfile"
	"github.com/vmx/storethehash/internal/unsafestring"
)

// Primary is the pluggable store the index routes lookups into. Position
// is whatever opaque value a Primary's own Put assigns; the index never
// interprets it.
type Primary = indexfile.Primary

// PutPrimary is a Primary that can also accept new key/value pairs. Table
// requires this fuller interface because Put needs somewhere to write the
// value before it can index the key.
type PutPrimary interface {
	Primary
	Put(key, value []byte) (position uint64, err error)
}

// Table is an index paired with the PutPrimary it routes into.
type Table struct {
	idx     *indexfile.File
	primary PutPrimary
}

// Open opens (creating if necessary) the index file at path, using
// bucketBits leading bits of each key to route it to a bucket, and primary
// as the backing store for full keys and values.
func Open(path string, bucketBits int, primary PutPrimary) (*Table, error) {
	idx, err := indexfile.Open(path, bucketBits, primary)
	if err != nil {
		return nil, err
	}
	return &Table{idx: idx, primary: primary}, nil
}

// Put stores value under key, first appending it to the underlying
// primary and then indexing the position that Put returned.
func (t *Table) Put(key, value []byte) error {
	pos, err := t.primary.Put(key, value)
	if err != nil {
		return fmt.Errorf("storethehash: primary put: %w", err)
	}
	if err := t.idx.Put(key, pos); err != nil {
		return fmt.Errorf("storethehash: index put: %w", err)
	}
	return nil
}

// Get looks up key and returns its value, if present.
func (t *Table) Get(key []byte) ([]byte, bool, error) {
	return t.get(key)
}

// GetString is Get for a string key, avoiding the copy a []byte(key)
// conversion would otherwise force; the index never retains the returned
// slice's backing bytes past the call.
func (t *Table) GetString(key string) ([]byte, bool, error) {
	return t.get(unsafestring.ToBytes(key))
}

func (t *Table) get(key []byte) ([]byte, bool, error) {
	pos, ok, err := t.idx.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	gotKey, value, err := t.primary.GetKeyValue(pos)
	if err != nil {
		return nil, false, fmt.Errorf("storethehash: fetch value: %w", err)
	}
	if !bytes.Equal(gotKey, key) {
		// The stored partial key matched only as a prefix: the position
		// belongs to a different key, and key itself is not indexed.
		return nil, false, nil
	}
	return value, true, nil
}

// flusher is implemented by primaries that buffer writes and need an
// explicit fsync, such as diskprimary.Primary. Not every PutPrimary needs
// one (memoryprimary.Primary doesn't), so Table only calls it when present.
type flusher interface {
	Flush() error
}

// Flush fsyncs the index file, and the primary too if it supports Flush.
func (t *Table) Flush() error {
	if f, ok := t.primary.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("storethehash: flush primary: %w", err)
		}
	}
	return t.idx.Flush()
}

// Close flushes and closes the index file. The primary is not closed;
// callers that opened it themselves are responsible for closing it too.
func (t *Table) Close() error {
	return t.idx.Close()
}

// BucketBits reports the number of bucket bits this table was opened
// with.
func (t *Table) BucketBits() int {
	return t.idx.BucketBits()
}

// Entries returns every non-empty bucket and the file offset of its
// current record list, for diagnostics.
func (t *Table) Entries() []indexfile.BucketEntry {
	return t.idx.Entries()
}

// RecordListLen reports how many entries are stored in the record list at
// offset, for diagnostics.
func (t *Table) RecordListLen(offset uint64) (int, error) {
	return t.idx.RecordListLen(offset)
}
