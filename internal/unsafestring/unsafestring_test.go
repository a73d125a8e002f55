// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package unsafestring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToBytesPreservesContentsLenAndCap(t *testing.T) {
	for _, s := range []string{"", "some-content-hash", "a longer key with several words in it"} {
		b := ToBytes(s)
		require.Equal(t, s, string(b))
		require.Len(t, b, len(s))
		require.Equal(t, len(s), cap(b))
	}
}

func TestToBytesAllocatesNothing(t *testing.T) {
	s := "a-reasonably-sized-content-hash-key"
	var b []byte
	allocs := testing.AllocsPerRun(100, func() {
		b = ToBytes(s)
	})
	require.Zero(t, allocs)
	require.Equal(t, s, string(b))
}
