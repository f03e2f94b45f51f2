// Package chunkindex maps live data pointers back to the pool chunk that owns
// them, and orchestrates allocate/deallocate/reallocate across a pool set and
// a delegate allocator.
package chunkindex

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/holmberd/go-pmalloc/internal/pool"
)

var emptyAllocation byte

// Empty is the pointer returned for every zero-size request. It is never a
// chunk or delegate address, so it compares unequal to every live allocation.
var Empty = unsafe.Pointer(&emptyAllocation)

// ErrPoolExhausted is returned when the pool responsible for a size has no
// free chunk. It matches unix.ENOMEM under errors.Is.
var ErrPoolExhausted error = exhaustedError{}

type exhaustedError struct{}

func (exhaustedError) Error() string { return "chunkindex: pool exhausted" }

func (exhaustedError) Is(target error) bool { return target == unix.ENOMEM }

type (
	AllocFunc   func(size uintptr) (unsafe.Pointer, error)
	ReallocFunc func(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error)
	FreeFunc    func(ptr unsafe.Pointer)
)

// Always is a pool eligibility predicate that always allows pooling.
func Always() bool { return true }

// MulSize returns nmemb*size, or false if the product overflows.
func MulSize(nmemb, size uintptr) (uintptr, bool) {
	if size != 0 && nmemb > ^uintptr(0)/size {
		return 0, false
	}
	return nmemb * size, true
}

// Index is a read-only hash index from chunk data pointer to chunk.
// It is built once from a pool set and never changes, so lookups need no lock;
// the allocated/free state of each chunk lives in its pool.
type Index struct {
	pools  *pool.Set
	chunks map[unsafe.Pointer]*pool.Chunk
}

// New indexes every chunk of pools.
func New(pools *pool.Set) *Index {
	ix := &Index{
		pools:  pools,
		chunks: make(map[unsafe.Pointer]*pool.Chunk, pools.NumChunks()),
	}
	pools.ForEachChunk(func(c *pool.Chunk) {
		ix.chunks[c.Data()] = c
	})
	return ix
}

// Pools returns the indexed pool set.
func (ix *Index) Pools() *pool.Set {
	return ix.pools
}

// Len returns the number of indexed chunks.
func (ix *Index) Len() int {
	return len(ix.chunks)
}

// Lookup returns the chunk whose data pointer is ptr, or nil.
func (ix *Index) Lookup(ptr unsafe.Pointer) *pool.Chunk {
	return ix.chunks[ptr]
}

// Deallocate returns ptr to its pool, or hands it to free if no pool owns it.
// It reports whether the call was served by free. nil and Empty are ignored.
func (ix *Index) Deallocate(ptr unsafe.Pointer, free FreeFunc) (delegated bool) {
	if ptr == nil || ptr == Empty {
		return false
	}
	if c := ix.chunks[ptr]; c != nil {
		c.Owner().Deallocate(c)
		return false
	}
	free(ptr)
	return true
}

// Allocate serves size from its pool when poolable reports true and a pool is
// responsible for size, otherwise from delegate. A responsible pool with no
// free chunk yields ErrPoolExhausted.
func (ix *Index) Allocate(size uintptr, delegate AllocFunc, poolable func() bool) (ptr unsafe.Pointer, delegated bool, err error) {
	if size == 0 {
		return Empty, false, nil
	}
	if poolable() {
		if p := ix.pools.At(size); p != nil {
			if ptr = p.Allocate(size); ptr == nil {
				return nil, false, ErrPoolExhausted
			}
			return ptr, false, nil
		}
	}
	ptr, err = delegate(size)
	return ptr, true, err
}

// AllocateArray allocates nmemb*size bytes, failing with unix.ENOMEM before any
// lookup if the product overflows.
func (ix *Index) AllocateArray(nmemb, size uintptr, delegate AllocFunc) (unsafe.Pointer, bool, error) {
	total, ok := MulSize(nmemb, size)
	if !ok {
		return nil, false, unix.ENOMEM
	}
	return ix.Allocate(total, delegate, Always)
}

// Reallocate resizes the allocation at ptr. nil and Empty are allocated
// afresh; pointers no pool owns are handed to realloc.
func (ix *Index) Reallocate(ptr unsafe.Pointer, size uintptr, delegate AllocFunc, realloc ReallocFunc) (unsafe.Pointer, bool, error) {
	if ptr == nil || ptr == Empty {
		return ix.Allocate(size, delegate, Always)
	}
	if c := ix.chunks[ptr]; c != nil {
		return ix.ReallocateChunk(c, size, delegate)
	}
	newPtr, err := realloc(ptr, size)
	return newPtr, true, err
}

// ReallocateArray is Reallocate for nmemb*size bytes. On overflow it fails
// with unix.ENOMEM and leaves ptr untouched.
func (ix *Index) ReallocateArray(ptr unsafe.Pointer, nmemb, size uintptr, delegate AllocFunc, realloc ReallocFunc) (unsafe.Pointer, bool, error) {
	total, ok := MulSize(nmemb, size)
	if !ok {
		return nil, false, unix.ENOMEM
	}
	return ix.Reallocate(ptr, total, delegate, realloc)
}

// ReallocateChunk resizes an allocated chunk. A zero size frees it and
// returns nil. A size served by the same pool is recorded in place. A size
// served by another pool moves the data there; a size no pool serves moves it
// to delegate. If the destination cannot allocate, the chunk is left intact
// and the error is returned.
func (ix *Index) ReallocateChunk(c *pool.Chunk, size uintptr, delegate AllocFunc) (unsafe.Pointer, bool, error) {
	src := c.Owner()
	if size == 0 {
		src.Deallocate(c)
		return nil, false, nil
	}

	dst := ix.pools.At(size)
	switch dst {
	case src:
		return src.Reallocate(c, size), false, nil
	case nil:
		ptr, err := Move(c, size, delegate)
		return ptr, true, err
	default:
		ptr, err := Move(c, size, func(size uintptr) (unsafe.Pointer, error) {
			if ptr := dst.Allocate(size); ptr != nil {
				return ptr, nil
			}
			return nil, ErrPoolExhausted
		})
		return ptr, false, err
	}
}

// Move allocates size bytes with alloc, copies the chunk's live bytes into
// them and releases the chunk. On allocation failure the chunk is untouched.
func Move(c *pool.Chunk, size uintptr, alloc AllocFunc) (unsafe.Pointer, error) {
	src := c.Owner()
	cur := src.LiveSize(c)

	ptr, err := alloc(size)
	if err != nil {
		return nil, err
	}
	n := min(cur, size)
	copy(unsafe.Slice((*byte)(ptr), n), unsafe.Slice((*byte)(c.Data()), n))
	src.Deallocate(c)
	return ptr, nil
}
