// Package sizerange implements an ordered index keyed by disjoint, inclusive
// byte-size ranges. It answers "which value is responsible for size n" in
// logarithmic time.
package sizerange

import (
	"fmt"

	"github.com/google/btree"
)

const degree = 8

// Range is an inclusive [First, Last] byte-size interval.
type Range struct {
	First uintptr
	Last  uintptr
}

// Point returns the degenerate range containing only n.
func Point(n uintptr) Range {
	return Range{First: n, Last: n}
}

// Valid reports whether First <= Last.
func (r Range) Valid() bool {
	return r.First <= r.Last
}

// Contains reports whether n lies within the range.
func (r Range) Contains(n uintptr) bool {
	return r.First <= n && n <= r.Last
}

// Below reports whether r lies entirely below o.
func (r Range) Below(o Range) bool {
	return r.Last < o.First
}

// Overlaps reports whether r and o share at least one size.
func (r Range) Overlaps(o Range) bool {
	return !r.Below(o) && !o.Below(r)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.First, r.Last)
}

type entry[V any] struct {
	r Range
	v V
}

func less[V any](a, b entry[V]) bool {
	return a.r.Below(b.r)
}

// Index maps disjoint ranges to values.
// An Index is not safe for concurrent mutation; concurrent lookups are safe
// once all inserts have completed.
type Index[V any] struct {
	tree *btree.BTreeG[entry[V]]
}

// New creates an empty index.
func New[V any]() *Index[V] {
	return &Index[V]{tree: btree.NewG(degree, less[V])}
}

// Insert adds r -> v. It returns false and leaves the index unchanged if r is
// malformed or overlaps a range already in the index.
func (ix *Index[V]) Insert(r Range, v V) bool {
	if !r.Valid() {
		return false
	}
	// Under the "entirely below" ordering any overlapping key compares equal.
	if ix.tree.Has(entry[V]{r: r}) {
		return false
	}
	ix.tree.ReplaceOrInsert(entry[V]{r: r, v: v})
	return true
}

// At returns the value whose range contains size.
func (ix *Index[V]) At(size uintptr) (v V, ok bool) {
	e, ok := ix.tree.Get(entry[V]{r: Point(size)})
	return e.v, ok
}

// Get returns the value stored under exactly r.
func (ix *Index[V]) Get(r Range) (v V, ok bool) {
	e, ok := ix.tree.Get(entry[V]{r: r})
	if !ok || e.r != r {
		var zero V
		return zero, false
	}
	return e.v, true
}

// Len returns the number of ranges in the index.
func (ix *Index[V]) Len() int {
	return ix.tree.Len()
}

// Ascend calls fn for every entry in increasing size order until fn returns false.
func (ix *Index[V]) Ascend(fn func(r Range, v V) bool) {
	ix.tree.Ascend(func(e entry[V]) bool {
		return fn(e.r, e.v)
	})
}
