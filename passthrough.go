package pmalloc

import (
	"log/slog"
	"unsafe"

	"github.com/holmberd/go-pmalloc/internal/chunkindex"
	"github.com/holmberd/go-pmalloc/internal/sysalloc"
)

// PassThrough forwards every call to the platform allocator. It is the
// baseline strategy and the usual delegate of Pooled.
type PassThrough struct {
	sys *sysalloc.Allocator
	log opLogger
}

// NewPassThrough creates a PassThrough strategy over a fresh platform allocator.
func NewPassThrough(logger *slog.Logger) *PassThrough {
	return &PassThrough{
		sys: sysalloc.New(),
		log: newOpLogger(logger, StrategyPassThrough),
	}
}

func (a *PassThrough) Malloc(size uintptr) (ptr unsafe.Pointer, err error) {
	t := a.log.begin()
	if size == 0 {
		ptr = EmptyAllocation
	} else {
		ptr, err = a.sys.Malloc(size)
	}
	a.log.end("malloc", t, ptr, err, true, sizeAttr(size))
	return ptr, err
}

func (a *PassThrough) Free(ptr unsafe.Pointer) {
	t := a.log.begin()
	if !isEmpty(ptr) {
		a.sys.Free(ptr)
	}
	a.log.end("free", t, nil, nil, true, ptrAttr(ptr))
}

func (a *PassThrough) Calloc(nmemb, size uintptr) (ptr unsafe.Pointer, err error) {
	t := a.log.begin()
	total, ok := chunkindex.MulSize(nmemb, size)
	switch {
	case !ok:
		err = ErrNoMemory
	case total == 0:
		ptr = EmptyAllocation
	default:
		ptr, err = a.sys.Calloc(nmemb, size)
	}
	a.log.end("calloc", t, ptr, err, true, slog.Uint64("nmemb", uint64(nmemb)), sizeAttr(size))
	return ptr, err
}

func (a *PassThrough) Realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	t := a.log.begin()
	newPtr, err := a.realloc(ptr, size)
	a.log.end("realloc", t, newPtr, err, true, ptrAttr(ptr), sizeAttr(size))
	return newPtr, err
}

func (a *PassThrough) realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	if isEmpty(ptr) {
		if size == 0 {
			return EmptyAllocation, nil
		}
		return a.sys.Malloc(size)
	}
	return a.sys.Realloc(ptr, size)
}

func (a *PassThrough) ReallocArray(ptr unsafe.Pointer, nmemb, size uintptr) (newPtr unsafe.Pointer, err error) {
	t := a.log.begin()
	if total, ok := chunkindex.MulSize(nmemb, size); ok {
		newPtr, err = a.realloc(ptr, total)
	} else {
		err = ErrNoMemory
	}
	a.log.end("reallocarray", t, newPtr, err, true, ptrAttr(ptr), slog.Uint64("nmemb", uint64(nmemb)), sizeAttr(size))
	return newPtr, err
}

func (a *PassThrough) AlignedAlloc(alignment, size uintptr) (ptr unsafe.Pointer, err error) {
	t := a.log.begin()
	switch {
	case !isPowerOfTwo(alignment):
		err = ErrInvalid
	case size == 0:
		ptr = EmptyAllocation
	default:
		ptr, err = a.sys.AlignedAlloc(alignment, size)
	}
	a.log.end("aligned_alloc", t, ptr, err, true, slog.Uint64("alignment", uint64(alignment)), sizeAttr(size))
	return ptr, err
}

func (a *PassThrough) UsableSize(ptr unsafe.Pointer) uintptr {
	if isEmpty(ptr) {
		return 0
	}
	return a.sys.UsableSize(ptr)
}

// Live returns the number of blocks and bytes currently allocated.
func (a *PassThrough) Live() (blocks int, bytes uintptr) {
	s := a.sys.Stats()
	return s.Blocks, s.Bytes
}

func (a *PassThrough) Close() error {
	blocks, bytes := a.Live()
	a.log.logger.Info("allocator closed", "live_blocks", blocks, "live_bytes", bytes)
	return a.sys.Close()
}
