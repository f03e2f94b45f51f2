// Package pool implements fixed-size chunk pools backed by off-heap memory,
// and the set of pools built from a size layout.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/holmberd/go-pmalloc/internal/sizerange"
)

// MaxAlign is the alignment of every chunk, matching the strictest alignment
// of any scalar type on supported platforms.
const MaxAlign = 16

var (
	ErrDoubleFree    = errors.New("pool: chunk is not allocated")
	ErrForeignChunk  = errors.New("pool: chunk belongs to another pool")
	ErrPoolClosed    = errors.New("pool: pool is closed")
	ErrInvalidConfig = errors.New("pool: invalid configuration")
)

// AlignUp rounds n up to a multiple of align, which must be a power of two.
// The second result is false if the rounding overflows.
func AlignUp(n, align uintptr) (uintptr, bool) {
	r := (n + align - 1) &^ (align - 1)
	return r, r >= n
}

// Chunk is one fixed-size slot of a pool's backing buffer.
// Its data address never changes for the lifetime of the pool.
type Chunk struct {
	data  unsafe.Pointer
	owner *Pool

	// size is the size last requested by the caller; 0 means the chunk is free.
	size uintptr

	prev, next *Chunk
}

// Data returns the chunk's data pointer.
func (c *Chunk) Data() unsafe.Pointer {
	return c.data
}

// Owner returns the pool the chunk belongs to.
func (c *Chunk) Owner() *Pool {
	return c.owner
}

// Bytes returns the full physical extent of the chunk.
func (c *Chunk) Bytes() []byte {
	return unsafe.Slice((*byte)(c.data), c.owner.chunkSize)
}

// chunkList is an intrusive doubly linked list of chunks.
type chunkList struct {
	head *Chunk
	len  int
}

func (l *chunkList) pushFront(c *Chunk) {
	c.prev = nil
	c.next = l.head
	if l.head != nil {
		l.head.prev = c
	}
	l.head = c
	l.len++
}

func (l *chunkList) remove(c *Chunk) {
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		l.head = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
	c.prev, c.next = nil, nil
	l.len--
}

func (l *chunkList) popFront() *Chunk {
	c := l.head
	if c != nil {
		l.remove(c)
	}
	return c
}

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Range     sizerange.Range
	ChunkSize uintptr
	Chunks    int
	Free      int
	Allocated int
	HighWater int
}

// Pool serves allocations for a single size range from a fixed number of
// equally sized chunks. A Pool is safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	r         sizerange.Range
	chunkSize uintptr
	backing   []byte
	chunks    []Chunk
	free      chunkList
	allocated chunkList
	hwm       int
}

// New creates a pool of n chunks serving sizes in r. Each chunk holds
// r.Last bytes rounded up to MaxAlign.
func New(r sizerange.Range, n int) (*Pool, error) {
	if !r.Valid() || r.First == 0 {
		return nil, fmt.Errorf("%w: bad size range %v", ErrInvalidConfig, r)
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: pool %v needs at least one chunk, got %d", ErrInvalidConfig, r, n)
	}
	chunkSize, ok := AlignUp(r.Last, MaxAlign)
	if !ok {
		return nil, fmt.Errorf("%w: chunk size for %v overflows", ErrInvalidConfig, r)
	}
	if chunkSize > maxMapSize/uintptr(n) {
		return nil, fmt.Errorf("%w: pool %v of %d chunks is too large", ErrInvalidConfig, r, n)
	}

	backing, err := mapBacking(chunkSize * uintptr(n))
	if err != nil {
		return nil, fmt.Errorf("cannot allocate backing buffer for pool %v: %w", r, err)
	}

	p := &Pool{
		r:         r,
		chunkSize: chunkSize,
		backing:   backing,
		chunks:    make([]Chunk, n),
	}
	base := unsafe.Pointer(unsafe.SliceData(backing))
	// Push in reverse so the free list hands out chunks in address order.
	for i := n - 1; i >= 0; i-- {
		c := &p.chunks[i]
		c.data = unsafe.Add(base, uintptr(i)*chunkSize)
		c.owner = p
		p.free.pushFront(c)
	}
	return p, nil
}

// Range returns the size range served by the pool.
func (p *Pool) Range() sizerange.Range {
	return p.r
}

// ChunkSize returns the physical size of every chunk.
func (p *Pool) ChunkSize() uintptr {
	return p.chunkSize
}

// NumChunks returns the total number of chunks, free or allocated.
func (p *Pool) NumChunks() int {
	return len(p.chunks)
}

// Allocate takes a free chunk and marks it allocated with the requested size.
// It returns nil if the pool has no free chunk. size must be within the
// pool's range.
func (p *Pool) Allocate(size uintptr) unsafe.Pointer {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.free.popFront()
	if c == nil {
		return nil
	}
	c.size = size
	p.allocated.pushFront(c)
	p.hwm = max(p.hwm, p.allocated.len)
	return c.data
}

// Deallocate zeroes the chunk and returns it to the free list.
// It panics if the chunk is not currently allocated from p.
func (p *Pool) Deallocate(c *Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mustOwnAllocated(c)
	clear(c.Bytes())
	c.size = 0
	p.allocated.remove(c)
	p.free.pushFront(c)
}

// Reallocate changes the recorded size of an allocated chunk in place.
// It panics if the chunk is not currently allocated from p.
func (p *Pool) Reallocate(c *Chunk, size uintptr) unsafe.Pointer {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mustOwnAllocated(c)
	c.size = size
	return c.data
}

// LiveSize returns the size recorded for an allocated chunk.
// It panics if the chunk is not currently allocated from p.
func (p *Pool) LiveSize(c *Chunk) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mustOwnAllocated(c)
	return c.size
}

// mustOwnAllocated assumes the caller holds the mutex.
func (p *Pool) mustOwnAllocated(c *Chunk) {
	if p.backing == nil {
		panic(fmt.Errorf("%w: %p in pool %v", ErrPoolClosed, c.data, p.r))
	}
	if c.owner != p {
		panic(fmt.Errorf("%w: %p", ErrForeignChunk, c.data))
	}
	if c.size == 0 {
		panic(fmt.Errorf("%w: %p in pool %v", ErrDoubleFree, c.data, p.r))
	}
}

// ForEachChunk calls fn for every chunk of the pool.
func (p *Pool) ForEachChunk(fn func(c *Chunk)) {
	for i := range p.chunks {
		fn(&p.chunks[i])
	}
}

// Stats returns a snapshot of the pool's usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Range:     p.r,
		ChunkSize: p.chunkSize,
		Chunks:    len(p.chunks),
		Free:      p.free.len,
		Allocated: p.allocated.len,
		HighWater: p.hwm,
	}
}

// Close releases the pool's backing buffer. Pointers into the pool must not
// be used afterwards; releasing or resizing one panics with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.backing == nil {
		return nil
	}
	if p.allocated.len > 0 {
		slog.Warn("closing pool with live allocations", "range", p.r, "allocated", p.allocated.len)
	}
	err := unmapBacking(p.backing)
	p.backing = nil
	p.free = chunkList{}
	p.allocated = chunkList{}
	return err
}
