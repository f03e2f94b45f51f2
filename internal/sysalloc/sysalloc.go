// Package sysalloc is the platform allocator of last resort. Small blocks are
// carved from the Go heap, large blocks are mapped directly from the
// operating system. Every live block is tracked by address so that memory
// referenced only through raw pointers stays reachable until freed.
package sysalloc

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/holmberd/go-pmalloc/internal/addrmap"
)

const (
	// MaxAlign is the minimum alignment of every block.
	MaxAlign = 16

	// DefaultMmapThreshold is the block size from which memory is mapped
	// directly instead of taken from the Go heap.
	DefaultMmapThreshold = 128 * 1024

	maxSize = math.MaxInt / 2
)

var ErrInvalidPointer = errors.New("sysalloc: pointer was not allocated here")

var pageSize = uintptr(unix.Getpagesize())

type block struct {
	buf    []byte // Underlying memory; keeps heap blocks reachable.
	offset uintptr
	size   uintptr
	mapped bool
}

func (b block) capacity() uintptr {
	return uintptr(len(b.buf)) - b.offset
}

func (b block) data() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(b.buf)), b.offset)
}

// Stats is a snapshot of live blocks.
type Stats struct {
	Blocks       int
	Bytes        uintptr
	MappedBlocks int
}

// Allocator is safe for concurrent use.
type Allocator struct {
	live          *addrmap.Map[block]
	mmapThreshold uintptr
}

// New creates an allocator using DefaultMmapThreshold.
func New() *Allocator {
	return NewWithThreshold(DefaultMmapThreshold)
}

// NewWithThreshold creates an allocator that maps blocks of at least
// threshold bytes directly from the operating system.
func NewWithThreshold(threshold uintptr) *Allocator {
	return &Allocator{
		live:          addrmap.New[block](),
		mmapThreshold: threshold,
	}
}

func isPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

func (a *Allocator) alloc(align, size uintptr) (unsafe.Pointer, error) {
	size = max(size, 1)
	align = max(align, MaxAlign)
	if align > maxSize || size > maxSize-align {
		return nil, unix.ENOMEM
	}

	var b block
	if size+align >= a.mmapThreshold {
		extra := uintptr(0)
		if align > pageSize {
			extra = align
		}
		buf, err := unix.Mmap(-1, 0, int(alignUp(size+extra, pageSize)),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANON|unix.MAP_PRIVATE,
		)
		if err != nil {
			return nil, unix.ENOMEM
		}
		b = block{buf: buf, size: size, mapped: true}
	} else {
		b = block{buf: make([]byte, size+align), size: size}
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(b.buf)))
	b.offset = alignUp(addr, align) - addr

	ptr := b.data()
	a.live.Store(uintptr(ptr), b)
	return ptr, nil
}

func (a *Allocator) Malloc(size uintptr) (unsafe.Pointer, error) {
	return a.alloc(MaxAlign, size)
}

func (a *Allocator) Calloc(nmemb, size uintptr) (unsafe.Pointer, error) {
	if size != 0 && nmemb > ^uintptr(0)/size {
		return nil, unix.ENOMEM
	}
	// Fresh heap and mapped memory is always zeroed.
	return a.alloc(MaxAlign, nmemb*size)
}

// AlignedAlloc allocates size bytes aligned to alignment, which must be a
// power of two.
func (a *Allocator) AlignedAlloc(alignment, size uintptr) (unsafe.Pointer, error) {
	if !isPowerOfTwo(alignment) {
		return nil, unix.EINVAL
	}
	return a.alloc(alignment, size)
}

// Free releases ptr. It panics if ptr is not a live block.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	b, ok := a.live.LoadAndDelete(uintptr(ptr))
	if !ok {
		panic(fmt.Errorf("%w: free(%p)", ErrInvalidPointer, ptr))
	}
	if b.mapped {
		if err := unix.Munmap(b.buf); err != nil {
			slog.Error("failed to unmap block", "ptr", ptr, "size", len(b.buf), "error", err)
		}
	}
}

// Realloc resizes ptr, in place while the block's capacity allows. A zero size
// frees ptr and returns nil. On failure ptr is left untouched.
func (a *Allocator) Realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return a.Malloc(size)
	}
	if size == 0 {
		a.Free(ptr)
		return nil, nil
	}
	b, ok := a.live.Load(uintptr(ptr))
	if !ok {
		panic(fmt.Errorf("%w: realloc(%p)", ErrInvalidPointer, ptr))
	}
	if size <= b.capacity() {
		b.size = size
		a.live.Store(uintptr(ptr), b)
		return ptr, nil
	}

	newPtr, err := a.Malloc(size)
	if err != nil {
		return nil, err
	}
	n := min(b.size, size)
	copy(unsafe.Slice((*byte)(newPtr), n), unsafe.Slice((*byte)(ptr), n))
	a.Free(ptr)
	return newPtr, nil
}

func (a *Allocator) ReallocArray(ptr unsafe.Pointer, nmemb, size uintptr) (unsafe.Pointer, error) {
	if size != 0 && nmemb > ^uintptr(0)/size {
		return nil, unix.ENOMEM
	}
	return a.Realloc(ptr, nmemb*size)
}

// UsableSize returns the number of bytes usable at ptr, or 0 if ptr is not a
// live block.
func (a *Allocator) UsableSize(ptr unsafe.Pointer) uintptr {
	b, ok := a.live.Load(uintptr(ptr))
	if !ok {
		return 0
	}
	return b.capacity()
}

// Owns reports whether ptr is a live block of a.
func (a *Allocator) Owns(ptr unsafe.Pointer) bool {
	_, ok := a.live.Load(uintptr(ptr))
	return ok
}

// Stats returns a snapshot of live blocks.
func (a *Allocator) Stats() Stats {
	var s Stats
	a.live.Range(func(_ uintptr, b block) bool {
		s.Blocks++
		s.Bytes += b.size
		if b.mapped {
			s.MappedBlocks++
		}
		return true
	})
	return s
}

// Close is a no-op: blocks stay valid until freed.
func (a *Allocator) Close() error {
	return nil
}
