// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package unsafestring lets a lookup by string key reuse a []byte code
// path without paying for a copy, for the case where the key is only
// ever read, never retained past the call.
package unsafestring

import (
	"reflect"
	"unsafe"
)

// ToBytes aliases s's bytes as a []byte, with no allocation and no copy.
// The result must not be mutated or kept alive past the caller that owns
// s, since a string's backing array is otherwise assumed immutable.
func ToBytes(s string) []byte {
	strHeader := (*reflect.StringHeader)(unsafe.Pointer(&s))
	var b []byte
	byteHeader := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	byteHeader.Data = strHeader.Data
	byteHeader.Len = strHeader.Len
	byteHeader.Cap = strHeader.Len
	return b
}
