// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package handletable maps the small integers handed to the peer back to the
// objects they name.
//
// Every handle the peer echoes back must go through Get before it is allowed
// to name anything; an out of range or unused index yields nothing.
package handletable

import (
	"errors"
	"fmt"
)

// The number of slots added each time the free list runs dry.
const growBy = 256

// ErrFull is returned by Allocate and Reserve when the table has reached its
// configured capacity.
var ErrFull = errors.New("handle table full")

type entry[T any] struct {
	value T
	inUse bool

	// Index of the next free entry when !inUse, or -1 at the end of the list.
	nextFree int
}

// Table is an indexed slot allocator whose unused slots form an intrusive
// free list. It does no locking of its own; callers serialize access.
//
// The zero value is not usable; create with New.
type Table[T any] struct {
	limit int

	// INVARIANT: Every entry with !inUse is reachable from freeList exactly
	// once, and no entry with inUse is.
	entries  []entry[T]
	freeList int
	inUse    int
}

// New returns an empty table holding at most limit entries. A limit of zero
// means no limit.
func New[T any](limit int) *Table[T] {
	return &Table[T]{
		limit:    limit,
		freeList: -1,
	}
}

// Grow the backing array by up to growBy entries, or to include index if
// that is further. New entries are linked onto the free list in ascending
// order so that low indices are handed out first.
func (t *Table[T]) grow(index int) (err error) {
	newLen := len(t.entries) + growBy
	if index >= newLen {
		newLen = index + 1
	}

	if t.limit > 0 && newLen > t.limit {
		newLen = t.limit
	}

	if newLen <= len(t.entries) || newLen <= index {
		err = ErrFull
		return
	}

	oldLen := len(t.entries)
	t.entries = append(t.entries, make([]entry[T], newLen-oldLen)...)
	for i := newLen - 1; i >= oldLen; i-- {
		t.entries[i].nextFree = t.freeList
		t.freeList = i
	}

	return
}

// Allocate stores v in a free slot and returns its index.
func (t *Table[T]) Allocate(v T) (index uint64, err error) {
	if t.freeList < 0 {
		if err = t.grow(len(t.entries)); err != nil {
			return
		}
	}

	i := t.freeList
	e := &t.entries[i]
	t.freeList = e.nextFree

	e.value = v
	e.inUse = true
	e.nextFree = -1
	t.inUse++

	index = uint64(i)
	return
}

// Reserve stores v at a specific index, which must currently be free. It is
// used to pin well-known identities such as the root.
func (t *Table[T]) Reserve(index uint64, v T) (err error) {
	i := int(index)
	if uint64(i) != index || i < 0 {
		err = fmt.Errorf("index %d out of range", index)
		return
	}

	if i >= len(t.entries) {
		if err = t.grow(i); err != nil {
			return
		}
	}

	if t.entries[i].inUse {
		err = fmt.Errorf("index %d already in use", index)
		return
	}

	// Unlink from the free list.
	for p := &t.freeList; *p >= 0; p = &t.entries[*p].nextFree {
		if *p == i {
			*p = t.entries[i].nextFree
			break
		}
	}

	e := &t.entries[i]
	e.value = v
	e.inUse = true
	e.nextFree = -1
	t.inUse++

	return
}

// Get returns the value at index, or false if the index is out of range or
// not in use.
func (t *Table[T]) Get(index uint64) (v T, ok bool) {
	if index >= uint64(len(t.entries)) {
		return
	}

	e := &t.entries[index]
	if !e.inUse {
		return
	}

	v = e.value
	ok = true
	return
}

// Remove returns the slot at index to the free list. It is a no-op for an
// index that is out of range or already free.
func (t *Table[T]) Remove(index uint64) {
	if index >= uint64(len(t.entries)) {
		return
	}

	i := int(index)
	e := &t.entries[i]
	if !e.inUse {
		return
	}

	var zero T
	e.value = zero
	e.inUse = false
	e.nextFree = t.freeList
	t.freeList = i
	t.inUse--
}

// Len returns the number of slots in use.
func (t *Table[T]) Len() int {
	return t.inUse
}

// ForEach calls f for every slot in use, in index order. f must not modify
// the table.
func (t *Table[T]) ForEach(f func(index uint64, v T)) {
	for i := range t.entries {
		if t.entries[i].inUse {
			f(uint64(i), t.entries[i].value)
		}
	}
}

// CheckInvariants panics if the free list and the in-use flags disagree.
func (t *Table[T]) CheckInvariants() {
	seen := make(map[int]bool)
	for i := t.freeList; i >= 0; i = t.entries[i].nextFree {
		if seen[i] {
			panic(fmt.Sprintf("free list cycle at %d", i))
		}
		seen[i] = true

		if t.entries[i].inUse {
			panic(fmt.Sprintf("in-use entry %d on free list", i))
		}
	}

	if len(seen)+t.inUse != len(t.entries) {
		panic(fmt.Sprintf(
			"%d free + %d in use != %d entries",
			len(seen),
			t.inUse,
			len(t.entries)))
	}
}
