// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package bucket implements the in-memory bucket table: a fixed-size array
// of file offsets, one per bucket, routed to by a key's leading bits.
package bucket

import (
	"errors"
)

// ErrBucketBitsOutOfRange is returned by New when bits is not in [1, 32].
var ErrBucketBitsOutOfRange = errors.New("bucket: bits must be in [1, 32]")

// ErrKeyTooShort is returned by BucketOf when key has fewer bytes than the
// bucket table needs to route it.
var ErrKeyTooShort = errors.New("bucket: key shorter than bucket prefix")

// ByteLen returns the number of leading key bytes a bucket table with the
// given number of bucket bits reads to compute a bucket index:
// ceil(bits/8).
func ByteLen(bits int) int {
	return (bits + 7) / 8
}

// BucketOf computes the bucket index for key under a table with the given
// number of bucket bits: the leading ByteLen(bits) bytes of key, decoded
// little-endian and masked down to bits bits.
func BucketOf(key []byte, bits int) (uint32, error) {
	byteLen := ByteLen(bits)
	if len(key) < byteLen {
		return 0, ErrKeyTooShort
	}
	var v uint64
	for i := 0; i < byteLen; i++ {
		v |= uint64(key[i]) << uint(8*i)
	}
	mask := uint64(1)<<uint(bits) - 1
	return uint32(v & mask), nil
}

// Table is the in-memory array of 2^bits bucket offsets. Offset 0 means
// the bucket has never been written to; it is a safe sentinel because
// offset 0 always falls inside an index file's header, never at the start
// of a record list.
type Table struct {
	offsets []uint64
	bits    int
}

// New allocates a bucket table with 2^bits slots, all initially empty.
func New(bits int) (*Table, error) {
	if bits < 1 || bits > 32 {
		return nil, ErrBucketBitsOutOfRange
	}
	return &Table{
		offsets: make([]uint64, uint64(1)<<uint(bits)),
		bits:    bits,
	}, nil
}

// Bits reports the number of bucket bits the table was created with.
func (t *Table) Bits() int {
	return t.bits
}

// Len reports the number of buckets, 2^Bits().
func (t *Table) Len() int {
	return len(t.offsets)
}

// ByteLen reports how many leading key bytes BucketOf reads for this
// table's bit width.
func (t *Table) ByteLen() int {
	return ByteLen(t.bits)
}

// BucketOf routes key to a bucket index using this table's bit width.
func (t *Table) BucketOf(key []byte) (uint32, error) {
	return BucketOf(key, t.bits)
}

// Get returns the stored file offset for bucket, and whether the bucket
// has ever been written to.
func (t *Table) Get(bucket uint32) (offset uint64, ok bool) {
	off := t.offsets[bucket]
	return off, off != 0
}

// Put records the file offset of bucket's current record list.
func (t *Table) Put(bucket uint32, offset uint64) {
	t.offsets[bucket] = offset
}
