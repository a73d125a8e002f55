// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package indexfile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakePrimary is a minimal, in-memory Primary used only to drive indexfile
// tests: position is the index into keys/values.
type fakePrimary struct {
	keys   [][]byte
	values [][]byte
}

func (p *fakePrimary) Put(key, value []byte) uint64 {
	p.keys = append(p.keys, append([]byte(nil), key...))
	p.values = append(p.values, append([]byte(nil), value...))
	return uint64(len(p.keys) - 1)
}

func (p *fakePrimary) IndexKey(position uint64) ([]byte, error) {
	if position >= uint64(len(p.keys)) {
		return nil, fmt.Errorf("no such position %d", position)
	}
	return p.keys[position], nil
}

func (p *fakePrimary) GetKeyValue(position uint64) ([]byte, []byte, error) {
	if position >= uint64(len(p.keys)) {
		return nil, nil, fmt.Errorf("no such position %d", position)
	}
	return p.keys[position], p.values[position], nil
}

func openTestFile(t *testing.T, bits int, primary Primary) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index")
	f, err := Open(path, bits, primary)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestPutGetSingleKey(t *testing.T) {
	primary := &fakePrimary{}
	idx := openTestFile(t, 8, primary)

	key := []byte("hello-world-key")
	pos := primary.Put(key, []byte("value"))
	require.NoError(t, idx.Put(key, pos))

	got, ok, err := idx.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pos, got)
}

func TestPutGetManyKeysSharedBucket(t *testing.T) {
	primary := &fakePrimary{}
	// bucketBits=1 forces heavy bucket sharing so record lists actually grow.
	idx := openTestFile(t, 1, primary)

	keys := [][]byte{
		[]byte{0x00, 0x01, 0x02, 0x03},
		[]byte{0x00, 0x01, 0x02, 0x04},
		[]byte{0x00, 0x02, 0x00, 0x00},
		[]byte{0x01, 0xff, 0xff, 0xff},
		[]byte{0x01, 0x00, 0x00, 0x00},
	}

	positions := make([]uint64, len(keys))
	for i, k := range keys {
		positions[i] = primary.Put(k, []byte{byte(i)})
	}
	for i, k := range keys {
		require.NoError(t, idx.Put(k, positions[i]))
	}
	for i, k := range keys {
		got, ok, err := idx.Get(k)
		require.NoError(t, err)
		require.True(t, ok, "key %d not found", i)
		require.Equal(t, positions[i], got)
	}
}

func TestPutUpdatesExistingKey(t *testing.T) {
	primary := &fakePrimary{}
	idx := openTestFile(t, 4, primary)

	key := []byte{0x01, 0x02, 0x03, 0x04}
	pos1 := primary.Put(key, []byte("v1"))
	require.NoError(t, idx.Put(key, pos1))

	pos2 := primary.Put(key, []byte("v2"))
	require.NoError(t, idx.Put(key, pos2))

	got, ok, err := idx.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pos2, got)
}

func TestGetMissingKey(t *testing.T) {
	primary := &fakePrimary{}
	idx := openTestFile(t, 8, primary)

	_, ok, err := idx.Get([]byte("nope-not-here-12345"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetKeyTooShort(t *testing.T) {
	primary := &fakePrimary{}
	idx := openTestFile(t, 24, primary)

	_, _, err := idx.Get([]byte{0x01})
	require.ErrorIs(t, err, ErrKeyTooShort)
}

func TestReopenReplaysBucketTable(t *testing.T) {
	primary := &fakePrimary{}
	path := filepath.Join(t.TempDir(), "index")

	idx, err := Open(path, 6, primary)
	require.NoError(t, err)

	keys := [][]byte{
		[]byte{0x01, 0xaa, 0xbb},
		[]byte{0x01, 0xaa, 0xcc},
		[]byte{0x02, 0x00, 0x00},
	}
	for _, k := range keys {
		pos := primary.Put(k, []byte("v"))
		require.NoError(t, idx.Put(k, pos))
	}
	require.NoError(t, idx.Close())

	reopened, err := Open(path, 6, primary)
	require.NoError(t, err)
	defer reopened.Close()

	for _, k := range keys {
		_, ok, err := reopened.Get(k)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestOpenRejectsBucketBitsMismatch(t *testing.T) {
	primary := &fakePrimary{}
	path := filepath.Join(t.TempDir(), "index")

	idx, err := Open(path, 8, primary)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	_, err = Open(path, 16, primary)
	require.ErrorIs(t, err, ErrBucketBitsMismatch)
}

func TestReplayTruncatesTornTail(t *testing.T) {
	primary := &fakePrimary{}
	path := filepath.Join(t.TempDir(), "index")

	idx, err := Open(path, 8, primary)
	require.NoError(t, err)

	key := []byte{0x01, 0x02, 0x03}
	pos := primary.Put(key, []byte("v"))
	require.NoError(t, idx.Put(key, pos))
	goodSize := idx.size
	require.NoError(t, idx.Close())

	// Simulate a crash mid-append: append a few garbage bytes shorter
	// than a full record prefix.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad}, goodSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, 8, primary)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pos, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, goodSize, info.Size())
}

func TestEntriesListsNonEmptyBuckets(t *testing.T) {
	primary := &fakePrimary{}
	idx := openTestFile(t, 4, primary)

	key := []byte{0x01, 0x02, 0x03}
	pos := primary.Put(key, []byte("v"))
	require.NoError(t, idx.Put(key, pos))

	entries := idx.Entries()
	require.Len(t, entries, 1)

	n, err := idx.RecordListLen(entries[0].Offset)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
