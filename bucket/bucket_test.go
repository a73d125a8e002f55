// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bucket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByteLen(t *testing.T) {
	require.Equal(t, 1, ByteLen(1))
	require.Equal(t, 1, ByteLen(8))
	require.Equal(t, 2, ByteLen(9))
	require.Equal(t, 4, ByteLen(32))
}

func TestBucketOfMasksToBits(t *testing.T) {
	// bits=10 needs 2 leading bytes, masked to the low 10 bits.
	key := []byte{0xff, 0xff, 0xaa}
	b, err := BucketOf(key, 10)
	require.NoError(t, err)
	require.Equal(t, uint32(0x3ff), b)
}

func TestBucketOfKeyTooShort(t *testing.T) {
	_, err := BucketOf([]byte{0x01}, 24)
	require.ErrorIs(t, err, ErrKeyTooShort)
}

func TestNewRejectsOutOfRangeBits(t *testing.T) {
	_, err := New(0)
	require.ErrorIs(t, err, ErrBucketBitsOutOfRange)

	_, err = New(33)
	require.ErrorIs(t, err, ErrBucketBitsOutOfRange)
}

func TestTableGetPutRoundTrip(t *testing.T) {
	tbl, err := New(8)
	require.NoError(t, err)
	require.Equal(t, 256, tbl.Len())

	_, ok := tbl.Get(5)
	require.False(t, ok)

	tbl.Put(5, 1024)
	off, ok := tbl.Get(5)
	require.True(t, ok)
	require.Equal(t, uint64(1024), off)
}

func TestTableBucketOf(t *testing.T) {
	tbl, err := New(16)
	require.NoError(t, err)
	require.Equal(t, 2, tbl.ByteLen())

	b, err := tbl.BucketOf([]byte{0x01, 0x00, 0x99})
	require.NoError(t, err)
	require.Equal(t, uint32(1), b)
}
