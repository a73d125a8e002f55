// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package memoryprimary implements a Primary entirely in memory: each Put
// appends to a slice, and its index in that slice is the position handed
// back to the index. It exists for tests and small examples that don't
// need durability.
package memoryprimary

import (
	"errors"
	"fmt"
)

// ErrPositionOutOfRange is returned by IndexKey and GetKeyValue when asked
// about a position that was never assigned by Put.
var ErrPositionOutOfRange = errors.New("memoryprimary: position out of range")

// Primary is a slice-backed, in-memory store.
type Primary struct {
	keys   [][]byte
	values [][]byte
}

// New returns an empty in-memory primary.
func New() *Primary {
	return &Primary{}
}

// Put appends key and value and returns their position.
func (p *Primary) Put(key, value []byte) (uint64, error) {
	p.keys = append(p.keys, append([]byte(nil), key...))
	p.values = append(p.values, append([]byte(nil), value...))
	return uint64(len(p.keys) - 1), nil
}

// IndexKey returns the key stored at position.
func (p *Primary) IndexKey(position uint64) ([]byte, error) {
	if position >= uint64(len(p.keys)) {
		return nil, fmt.Errorf("%w: %d", ErrPositionOutOfRange, position)
	}
	return p.keys[position], nil
}

// GetKeyValue returns the key and value stored at position.
func (p *Primary) GetKeyValue(position uint64) ([]byte, []byte, error) {
	if position >= uint64(len(p.keys)) {
		return nil, nil, fmt.Errorf("%w: %d", ErrPositionOutOfRange, position)
	}
	return p.keys[position], p.values[position], nil
}

// Len reports how many key/value pairs have been stored.
func (p *Primary) Len() int {
	return len(p.keys)
}
