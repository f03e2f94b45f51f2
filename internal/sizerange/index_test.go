package sizerange

import (
	"math/rand"
	"testing"
)

func TestRange(t *testing.T) {
	r := Range{First: 16, Last: 32}
	if !r.Valid() {
		t.Fatalf("expected %v to be valid", r)
	}
	if (Range{First: 2, Last: 1}).Valid() {
		t.Error("expected inverted range to be invalid")
	}
	for _, n := range []uintptr{16, 20, 32} {
		if !r.Contains(n) {
			t.Errorf("expected %v to contain %d", r, n)
		}
	}
	for _, n := range []uintptr{0, 15, 33} {
		if r.Contains(n) {
			t.Errorf("expected %v not to contain %d", r, n)
		}
	}
	if !r.Below(Range{First: 33, Last: 40}) {
		t.Error("expected range to be below adjacent range")
	}
	if !r.Overlaps(Range{First: 32, Last: 40}) {
		t.Error("expected ranges sharing an endpoint to overlap")
	}
}

func TestIndexInsert(t *testing.T) {
	t.Run("Rejects malformed range", func(t *testing.T) {
		ix := New[int]()
		if ix.Insert(Range{First: 10, Last: 9}, 1) {
			t.Fatal("expected insert of inverted range to fail")
		}
		if ix.Len() != 0 {
			t.Fatalf("expected empty index, got %d entries", ix.Len())
		}
	})

	t.Run("Rejects overlapping ranges", func(t *testing.T) {
		ix := New[int]()
		if !ix.Insert(Range{First: 10, Last: 20}, 1) {
			t.Fatal("expected first insert to succeed")
		}
		overlapping := []Range{
			{First: 10, Last: 20},
			{First: 5, Last: 10},
			{First: 20, Last: 30},
			{First: 12, Last: 15},
			{First: 0, Last: 100},
		}
		for _, r := range overlapping {
			if ix.Insert(r, 2) {
				t.Errorf("expected insert of %v to fail", r)
			}
		}
		if v, _ := ix.At(15); v != 1 {
			t.Errorf("expected original value to be kept, got %d", v)
		}
		if ix.Len() != 1 {
			t.Errorf("expected 1 entry, got %d", ix.Len())
		}
	})

	t.Run("Accepts adjacent ranges", func(t *testing.T) {
		ix := New[int]()
		for i, r := range []Range{{11, 20}, {1, 10}, {21, 21}} {
			if !ix.Insert(r, i) {
				t.Fatalf("expected insert of %v to succeed", r)
			}
		}
		if ix.Len() != 3 {
			t.Fatalf("expected 3 entries, got %d", ix.Len())
		}
	})
}

func TestIndexAt(t *testing.T) {
	ix := New[string]()
	ranges := map[string]Range{
		"a": {First: 1, Last: 8},
		"b": {First: 9, Last: 16},
		"c": {First: 64, Last: 128},
	}
	for name, r := range ranges {
		if !ix.Insert(r, name) {
			t.Fatalf("failed to insert %v", r)
		}
	}

	for name, r := range ranges {
		for n := r.First; n <= r.Last; n++ {
			got, ok := ix.At(n)
			if !ok || got != name {
				t.Fatalf("expected At(%d) = %q, got %q (found=%v)", n, name, got, ok)
			}
		}
	}
	for _, n := range []uintptr{0, 17, 63, 129, ^uintptr(0)} {
		if _, ok := ix.At(n); ok {
			t.Errorf("expected At(%d) to miss", n)
		}
	}
}

func TestIndexGet(t *testing.T) {
	ix := New[int]()
	ix.Insert(Range{First: 1, Last: 8}, 8)
	if v, ok := ix.Get(Range{First: 1, Last: 8}); !ok || v != 8 {
		t.Errorf("expected exact range lookup to hit, got %d (found=%v)", v, ok)
	}
	if _, ok := ix.Get(Range{First: 2, Last: 8}); ok {
		t.Error("expected lookup of a sub-range to miss")
	}
}

func TestIndexAscend(t *testing.T) {
	ix := New[int]()
	for _, first := range []uintptr{50, 10, 30, 20, 40} {
		ix.Insert(Range{First: first, Last: first + 5}, int(first))
	}
	var got []int
	ix.Ascend(func(r Range, v int) bool {
		got = append(got, v)
		return true
	})
	want := []int{10, 20, 30, 40, 50}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestIndexRandomDisjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ix := New[Range]()
	var inserted []Range
	var next uintptr = 1
	for range 200 {
		next += uintptr(rng.Intn(10)) // Optional gap.
		r := Range{First: next, Last: next + uintptr(rng.Intn(20))}
		next = r.Last + 1
		inserted = append(inserted, r)
	}
	for _, i := range rng.Perm(len(inserted)) {
		if !ix.Insert(inserted[i], inserted[i]) {
			t.Fatalf("failed to insert disjoint range %v", inserted[i])
		}
	}
	for _, r := range inserted {
		for n := r.First; n <= r.Last; n++ {
			if got, ok := ix.At(n); !ok || got != r {
				t.Fatalf("expected At(%d) = %v, got %v", n, r, got)
			}
		}
	}
}
