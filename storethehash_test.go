// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storethehash_test

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmx/storethehash"
	"github.com/vmx/storethehash/primary/memoryprimary"
)

func TestPutGetRoundTrip(t *testing.T) {
	primary := memoryprimary.New()
	tbl, err := storethehash.Open(filepath.Join(t.TempDir(), "index"), 8, primary)
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Put([]byte("some-content-hash"), []byte("the value")))

	value, ok, err := tbl.Get([]byte("some-content-hash"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("the value"), value)
}

func TestGetStringMatchesGet(t *testing.T) {
	primary := memoryprimary.New()
	tbl, err := storethehash.Open(filepath.Join(t.TempDir(), "index"), 8, primary)
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Put([]byte("key-one"), []byte("v1")))

	want, ok, err := tbl.Get([]byte("key-one"))
	require.NoError(t, err)
	require.True(t, ok)

	value, ok, err := tbl.GetString("key-one")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), value)
	require.Equal(t, want, value)
}

func TestGetMissingKeyReportsNotFound(t *testing.T) {
	primary := memoryprimary.New()
	tbl, err := storethehash.Open(filepath.Join(t.TempDir(), "index"), 8, primary)
	require.NoError(t, err)
	defer tbl.Close()

	_, ok, err := tbl.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutOverwritesValue(t *testing.T) {
	primary := memoryprimary.New()
	tbl, err := storethehash.Open(filepath.Join(t.TempDir(), "index"), 8, primary)
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Put([]byte("k"), []byte("v1")))
	require.NoError(t, tbl.Put([]byte("k"), []byte("v2")))

	value, ok, err := tbl.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), value)
}

var (
	benchTable     *storethehash.Table
	benchTableOnce sync.Once
	benchEntries   []benchEntry
)

type benchEntry struct {
	Key   []byte
	Value []byte
}

func loadBenchTable() {
	dir, err := os.MkdirTemp("", "storethehash-bench")
	if err != nil {
		panic(err)
	}

	primary := memoryprimary.New()
	tbl, err := storethehash.Open(filepath.Join(dir, "index"), 12, primary)
	if err != nil {
		panic(err)
	}
	benchTable = tbl

	const n = 10000
	benchEntries = make([]benchEntry, 0, n)
	for i := 0; i < n; i++ {
		key := make([]byte, 32)
		binary.LittleEndian.PutUint64(key, uint64(i))
		copy(key[8:], fmt.Sprintf("bench-content-hash-%d", i))
		value := []byte(fmt.Sprintf("value-%d", i))
		if err := benchTable.Put(key, value); err != nil {
			panic(err)
		}
		benchEntries = append(benchEntries, benchEntry{Key: key, Value: value})
	}
}

// BenchmarkIndexGet measures Get against a table with 10000 entries spread
// across 4096 buckets, one lookup per b.N against an entry known present.
func BenchmarkIndexGet(b *testing.B) {
	benchTableOnce.Do(loadBenchTable)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e := benchEntries[i%len(benchEntries)]
		value, ok, err := benchTable.Get(e.Key)
		if err != nil || !ok || string(value) != string(e.Value) {
			b.Fatal("bad data or lookup")
		}
	}
}
