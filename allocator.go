// Package pmalloc implements a pool-based replacement for the malloc family.
// Requests are served from pre-reserved pools of fixed-size chunks when a
// configured size range matches, and forwarded to a delegate allocator
// otherwise.
package pmalloc

import (
	"io"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/holmberd/go-pmalloc/internal/chunkindex"
	"github.com/holmberd/go-pmalloc/internal/pool"
	"github.com/holmberd/go-pmalloc/internal/sysalloc"
)

var (
	ErrNoMemory       = unix.ENOMEM
	ErrInvalid        = unix.EINVAL
	ErrPoolExhausted  = chunkindex.ErrPoolExhausted
	ErrDoubleFree     = pool.ErrDoubleFree
	ErrPoolClosed     = pool.ErrPoolClosed
	ErrInvalidPointer = sysalloc.ErrInvalidPointer
	ErrInvalidConfig  = pool.ErrInvalidConfig
)

// EmptyAllocation is returned for every zero-size request. It is non-nil,
// never the address of a live allocation, and a no-op to free.
var EmptyAllocation = chunkindex.Empty

// MaxAlign is the alignment guaranteed by Malloc, Calloc and Realloc.
const MaxAlign = pool.MaxAlign

const ptrSize = unsafe.Sizeof(uintptr(0))

var pageSize = uintptr(unix.Getpagesize())

// Allocator is the malloc family. Failures are reported as OS error codes
// (ErrNoMemory, ErrInvalid); a failed Realloc leaves the original allocation
// intact. Freeing memory twice panics.
type Allocator interface {
	Malloc(size uintptr) (unsafe.Pointer, error)
	Free(ptr unsafe.Pointer)
	Calloc(nmemb, size uintptr) (unsafe.Pointer, error)
	Realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error)
	ReallocArray(ptr unsafe.Pointer, nmemb, size uintptr) (unsafe.Pointer, error)
	AlignedAlloc(alignment, size uintptr) (unsafe.Pointer, error)
	UsableSize(ptr unsafe.Pointer) uintptr
	Close() error
}

// Dumper is implemented by allocators that can render their statistics.
type Dumper interface {
	Dump(w io.Writer)
}

func isPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

func isEmpty(ptr unsafe.Pointer) bool {
	return ptr == nil || ptr == EmptyAllocation
}

// PosixMemalign allocates size bytes aligned to alignment, which must be a
// power of two and a multiple of the pointer size.
func PosixMemalign(a Allocator, alignment, size uintptr) (unsafe.Pointer, error) {
	if !isPowerOfTwo(alignment) || alignment%ptrSize != 0 {
		return nil, ErrInvalid
	}
	return a.AlignedAlloc(alignment, size)
}

// Memalign allocates size bytes aligned to alignment, rounded up to a power
// of two.
func Memalign(a Allocator, alignment, size uintptr) (unsafe.Pointer, error) {
	align := uintptr(1)
	for align < alignment {
		if align<<1 == 0 {
			return nil, ErrInvalid
		}
		align <<= 1
	}
	return a.AlignedAlloc(align, size)
}

// Valloc allocates size bytes aligned to the page size.
func Valloc(a Allocator, size uintptr) (unsafe.Pointer, error) {
	return a.AlignedAlloc(pageSize, size)
}

// Pvalloc is Valloc with size rounded up to a whole number of pages.
func Pvalloc(a Allocator, size uintptr) (unsafe.Pointer, error) {
	rounded, ok := pool.AlignUp(size, pageSize)
	if !ok {
		return nil, ErrNoMemory
	}
	return a.AlignedAlloc(pageSize, rounded)
}
