// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package indexfile implements the on-disk index: a header followed by an
// append-only log of prefix-compressed record lists, fronted by an
// in-memory bucket.Table that always points at each bucket's most recent
// record list.
//
// A File never removes or rewrites bytes it has already appended; a Put
// that changes a bucket's record list appends the new list and repoints
// the bucket table at it, leaving the old bytes as unreachable garbage.
// That is what makes crash recovery by replay possible: everything the
// bucket table knows can be rebuilt by walking the file from the header
// forward.
package indexfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"github.com/vmx/storethehash/bucket"
	"github.com/vmx/storethehash/recordlist"
)

const (
	magic         uint32 = 0x53544841 // "STHA"
	formatVersion uint32 = 1

	magicSize      = 4
	versionSize    = 4
	bucketBitsSize = 1
	headerSize     = magicSize + versionSize + bucketBitsSize

	bucketIndexSize  = 4
	payloadLenSize   = 4
	recordPrefixSize = bucketIndexSize + payloadLenSize
)

var (
	// ErrBucketBitsMismatch is returned by Open when an existing index
	// file's bucket_bits header disagrees with the bits it was opened
	// with, or the file's magic/version marks it as not an index file
	// this package can read.
	ErrBucketBitsMismatch = errors.New("indexfile: bucket bits do not match index file header")

	// ErrKeyTooShort is returned by Get and Put when key has fewer bytes
	// than the bucket prefix it would need to route through.
	ErrKeyTooShort = bucket.ErrKeyTooShort
)

// Primary is the pluggable collaborator an index consults for full keys
// (during prefix expansion) and full key/value pairs (to verify a
// candidate update, or to satisfy a caller's Get). Positions are opaque
// values a Primary itself assigns via Put; the index only ever stores and
// hands them back.
type Primary interface {
	// IndexKey returns the full key stored at position. It is called
	// during insertion, when the record list needs to see a neighbor's
	// complete key to compute how much of a new entry's key must be
	// kept to stay distinguishable, and to verify a prefix match found
	// during Put is genuinely the same key rather than a different key
	// that happens to share the bucket's stored prefix.
	IndexKey(position uint64) ([]byte, error)

	// GetKeyValue returns the full key and value stored at position. File
	// itself never calls it; storethehash.Table calls it on a Get hit to
	// fetch the value and confirm the key.
	GetKeyValue(position uint64) (key []byte, value []byte, err error)
}

// File is an open index file paired with its in-memory bucket table.
type File struct {
	f          *os.File
	primary    Primary
	bucketBits int
	byteLen    int
	buckets    *bucket.Table
	size       int64
	locked     bool
}

// Open opens (creating if necessary) the index file at path, replaying it
// into a fresh bucket.Table if it already has content. bucketBits governs
// how many leading bits of a key route to a bucket; it must match an
// existing file's header exactly.
func Open(path string, bucketBits int, primary Primary) (*File, error) {
	tbl, err := bucket.New(bucketBits)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("indexfile: open %s: %w", path, err)
	}

	idx := &File{
		f:          f,
		primary:    primary,
		bucketBits: bucketBits,
		byteLen:    bucket.ByteLen(bucketBits),
		buckets:    tbl,
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		log.Printf("indexfile: could not acquire exclusive lock on %s, continuing without one: %s", path, err)
	} else {
		idx.locked = true
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("indexfile: stat %s: %w", path, err)
	}

	if info.Size() == 0 {
		if err := idx.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		idx.size = headerSize
		return idx, nil
	}

	if err := idx.replay(info.Size()); err != nil {
		f.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *File) writeHeader() error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], formatVersion)
	hdr[8] = byte(idx.bucketBits)
	if _, err := idx.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("indexfile: write header: %w", err)
	}
	return nil
}

// replay reads the header and then every appended record, repointing the
// bucket table at each one in turn. A record whose length prefix or
// payload runs past the end of the file is a torn write from a crash
// mid-append; replay truncates the file to the last complete record and
// stops there instead of failing Open.
func (idx *File) replay(fileSize int64) error {
	var hdr [headerSize]byte
	if _, err := idx.f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("indexfile: read header: %w", err)
	}
	if got := binary.LittleEndian.Uint32(hdr[0:4]); got != magic {
		return fmt.Errorf("%w: not an index file (bad magic)", ErrBucketBitsMismatch)
	}
	if got := binary.LittleEndian.Uint32(hdr[4:8]); got != formatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrBucketBitsMismatch, got)
	}
	if got := int(hdr[8]); got != idx.bucketBits {
		return fmt.Errorf("%w: file has %d bucket bits, opened with %d", ErrBucketBitsMismatch, got, idx.bucketBits)
	}

	pos := int64(headerSize)
	for pos < fileSize {
		var prefix [recordPrefixSize]byte
		n, err := idx.f.ReadAt(prefix[:], pos)
		if err != nil || n < recordPrefixSize {
			log.Printf("indexfile: torn record prefix at offset %d in %s, truncating", pos, idx.f.Name())
			break
		}
		bucketIdx := binary.LittleEndian.Uint32(prefix[0:4])
		payloadLen := int64(binary.LittleEndian.Uint32(prefix[4:8]))
		payloadStart := pos + recordPrefixSize
		if payloadStart+payloadLen > fileSize {
			log.Printf("indexfile: torn record payload at offset %d in %s, truncating", pos, idx.f.Name())
			break
		}
		idx.buckets.Put(bucketIdx, uint64(payloadStart))
		pos = payloadStart + payloadLen
	}

	if pos != fileSize {
		if err := idx.f.Truncate(pos); err != nil {
			return fmt.Errorf("indexfile: truncate torn tail: %w", err)
		}
	}
	idx.size = pos
	return nil
}

// readPayload reads the record-list payload stored at offset, using the
// four bytes immediately preceding it (the length prefix written by
// appendRecord) to know how much to read.
func (idx *File) readPayload(offset uint64) ([]byte, error) {
	var lenBuf [payloadLenSize]byte
	if _, err := idx.f.ReadAt(lenBuf[:], int64(offset)-payloadLenSize); err != nil {
		return nil, fmt.Errorf("indexfile: read payload length at %d: %w", offset, err)
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, payloadLen)
	if _, err := idx.f.ReadAt(payload, int64(offset)); err != nil {
		return nil, fmt.Errorf("indexfile: read payload at %d: %w", offset, err)
	}
	return payload, nil
}

// appendRecord appends bucketIdx's new record-list payload to the file and
// returns the offset of the payload bytes, which is what the bucket table
// stores.
func (idx *File) appendRecord(bucketIdx uint32, payload []byte) (uint64, error) {
	var prefix [recordPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[0:4], bucketIdx)
	binary.LittleEndian.PutUint32(prefix[4:8], uint32(len(payload)))

	pos := idx.size
	if _, err := idx.f.WriteAt(prefix[:], pos); err != nil {
		return 0, fmt.Errorf("indexfile: append record prefix: %w", err)
	}
	payloadStart := pos + recordPrefixSize
	if len(payload) > 0 {
		if _, err := idx.f.WriteAt(payload, payloadStart); err != nil {
			return 0, fmt.Errorf("indexfile: append record payload: %w", err)
		}
	}
	idx.size = payloadStart + int64(len(payload))
	return uint64(payloadStart), nil
}

// Get looks up key, returning the primary position of the entry whose
// stored partial key matches it and whether such an entry exists. The
// match is not checked against the primary, so for a key that was never
// put it can be another key's position.
func (idx *File) Get(key []byte) (uint64, bool, error) {
	if len(key) < idx.byteLen {
		return 0, false, ErrKeyTooShort
	}
	b, err := idx.buckets.BucketOf(key)
	if err != nil {
		return 0, false, err
	}
	off, ok := idx.buckets.Get(b)
	if !ok {
		return 0, false, nil
	}
	payload, err := idx.readPayload(off)
	if err != nil {
		return 0, false, err
	}
	entries, err := recordlist.Decode(payload)
	if err != nil {
		return 0, false, err
	}
	pos, ok := recordlist.Lookup(entries, key[idx.byteLen:])
	return pos, ok, nil
}

// Put stores position as the primary position for key, inserting a new
// record-list entry or updating an existing one as needed.
func (idx *File) Put(key []byte, position uint64) error {
	if len(key) < idx.byteLen {
		return ErrKeyTooShort
	}
	b, err := idx.buckets.BucketOf(key)
	if err != nil {
		return err
	}
	trimmed := key[idx.byteLen:]

	off, ok := idx.buckets.Get(b)
	if !ok {
		firstLen := 1
		if len(trimmed) < firstLen {
			firstLen = len(trimmed)
		}
		payload, err := recordlist.EncodeSingle(trimmed[:firstLen], position)
		if err != nil {
			return err
		}
		newOff, err := idx.appendRecord(b, payload)
		if err != nil {
			return err
		}
		idx.buckets.Put(b, newOff)
		return nil
	}

	payload, err := idx.readPayload(off)
	if err != nil {
		return err
	}
	entries, err := recordlist.Decode(payload)
	if err != nil {
		return err
	}

	newEntries, updated, err := idx.putInto(entries, key, trimmed, position)
	if err != nil {
		return err
	}
	if !updated && newEntries == nil {
		// trimmed is a byte-prefix of an existing entry's full key with
		// nothing left to distinguish it by; nothing to store.
		return nil
	}

	newPayload, err := recordlist.Encode(newEntries)
	if err != nil {
		return err
	}
	newOff, err := idx.appendRecord(b, newPayload)
	if err != nil {
		return err
	}
	idx.buckets.Put(b, newOff)
	return nil
}

// putInto computes the entries a bucket's record list should have after
// inserting or updating trimmedKey. It returns (entries, true, nil) for an
// update in place, (entries, false, nil) for an insert, or (nil, false,
// nil) for the no-op case where trimmedKey has no bytes left to add once
// it's found to be a strict, unextendable prefix of an existing full key.
func (idx *File) putInto(entries []recordlist.Entry, fullKey, trimmedKey []byte, position uint64) ([]recordlist.Entry, bool, error) {
	i := recordlist.Search(entries, trimmedKey)

	if i < len(entries) && bytes.Equal(entries[i].PartialKey, trimmedKey) {
		// Exact match on the stored prefix. Either this genuinely is the
		// same key being updated, or two distinct full keys happen to
		// share every trimmed byte; either way there is no further byte
		// left to distinguish them by, so this is treated as an update.
		out := append([]recordlist.Entry(nil), entries...)
		out[i].Position = position
		return out, true, nil
	}

	if i > 0 && bytes.HasPrefix(trimmedKey, entries[i-1].PartialKey) {
		prev := entries[i-1]
		prevFull, err := idx.primary.IndexKey(prev.Position)
		if err != nil {
			return nil, false, fmt.Errorf("indexfile: fetch neighbor key: %w", err)
		}
		prevTrimmed := prevFull[idx.byteLen:]

		// A prefix match at the trimmed-key level is not by itself proof
		// of identity: two different full keys can still land on the same
		// trimmed suffix from different raw bucket-routing bytes when
		// bucketBits doesn't divide evenly into whole bytes. Only a full
		// key comparison against what the primary actually stored settles
		// it, per the update-verification rule.
		if bytes.Equal(prevFull, fullKey) {
			out := append([]recordlist.Entry(nil), entries...)
			out[i-1].Position = position
			return out, true, nil
		}

		cut := recordlist.CommonPrefixLen(trimmedKey, prevTrimmed)
		if cut >= len(trimmedKey) {
			if len(prevTrimmed) == len(trimmedKey) {
				// Every trimmed byte matches: a different full key that
				// shares all of them is indistinguishable from an update,
				// so it is applied as one.
				out := append([]recordlist.Entry(nil), entries...)
				out[i-1].Position = position
				return out, true, nil
			}
			// trimmedKey's bytes are entirely a prefix of prevTrimmed;
			// there is no byte position left to split on.
			return nil, false, nil
		}

		newPrevLen := cut + 1
		if newPrevLen > len(prevTrimmed) {
			newPrevLen = len(prevTrimmed)
		}
		newLen := cut + 1
		if newLen > len(trimmedKey) {
			newLen = len(trimmedKey)
		}

		extendedPrev := recordlist.Entry{PartialKey: append([]byte(nil), prevTrimmed[:newPrevLen]...), Position: prev.Position}
		newEntry := recordlist.Entry{PartialKey: append([]byte(nil), trimmedKey[:newLen]...), Position: position}

		pair := [2]recordlist.Entry{extendedPrev, newEntry}
		if bytes.Compare(extendedPrev.PartialKey, newEntry.PartialKey) > 0 {
			pair[0], pair[1] = pair[1], pair[0]
		}

		out := make([]recordlist.Entry, 0, len(entries)+1)
		out = append(out, entries[:i-1]...)
		out = append(out, pair[:]...)
		out = append(out, entries[i:]...)
		return out, false, nil
	}

	cpLeft := 0
	if i > 0 {
		prevFull, err := idx.primary.IndexKey(entries[i-1].Position)
		if err != nil {
			return nil, false, fmt.Errorf("indexfile: fetch neighbor key: %w", err)
		}
		cpLeft = recordlist.CommonPrefixLen(trimmedKey, prevFull[idx.byteLen:])
	}
	cpRight := 0
	if i < len(entries) {
		nextFull, err := idx.primary.IndexKey(entries[i].Position)
		if err != nil {
			return nil, false, fmt.Errorf("indexfile: fetch neighbor key: %w", err)
		}
		cpRight = recordlist.CommonPrefixLen(trimmedKey, nextFull[idx.byteLen:])
	}
	newLen := cpLeft
	if cpRight > newLen {
		newLen = cpRight
	}
	newLen++
	if newLen > len(trimmedKey) {
		newLen = len(trimmedKey)
	}

	newEntry := recordlist.Entry{PartialKey: append([]byte(nil), trimmedKey[:newLen]...), Position: position}
	out := make([]recordlist.Entry, 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, newEntry)
	out = append(out, entries[i:]...)
	return out, false, nil
}

// Flush fsyncs the index file, guaranteeing appended records survive a
// crash from this point on.
func (idx *File) Flush() error {
	if err := idx.f.Sync(); err != nil {
		return fmt.Errorf("indexfile: flush: %w", err)
	}
	return nil
}

// Close flushes, releases the advisory lock if it was acquired, and closes
// the underlying file.
func (idx *File) Close() error {
	if err := idx.Flush(); err != nil {
		return err
	}
	if idx.locked {
		if err := unix.Flock(int(idx.f.Fd()), unix.LOCK_UN); err != nil {
			log.Printf("indexfile: could not release lock on %s: %s", idx.f.Name(), err)
		}
	}
	return idx.f.Close()
}

// BucketBits reports the number of bucket bits this file was opened with.
func (idx *File) BucketBits() int {
	return idx.bucketBits
}

// BucketEntry is one non-empty slot reported by Entries.
type BucketEntry struct {
	Bucket uint32
	Offset uint64
}

// Entries returns every non-empty bucket and the file offset of its
// current record list. It is meant for diagnostics: it walks the full
// 2^BucketBits() bucket table, so it is only cheap when bucket bits is
// small enough for that to be small.
func (idx *File) Entries() []BucketEntry {
	var out []BucketEntry
	for b := 0; b < idx.buckets.Len(); b++ {
		off, ok := idx.buckets.Get(uint32(b))
		if !ok {
			continue
		}
		out = append(out, BucketEntry{Bucket: uint32(b), Offset: off})
	}
	return out
}

// RecordListLen decodes the record list at offset and returns how many
// entries it holds. It is a diagnostic helper for cmd/indexstats.
func (idx *File) RecordListLen(offset uint64) (int, error) {
	payload, err := idx.readPayload(offset)
	if err != nil {
		return 0, err
	}
	entries, err := recordlist.Decode(payload)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
