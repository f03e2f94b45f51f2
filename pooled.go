package pmalloc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unsafe"

	"github.com/dustin/go-humanize"

	"github.com/holmberd/go-pmalloc/internal/chunkindex"
	"github.com/holmberd/go-pmalloc/internal/pool"
)

// PoolUsage is a snapshot of one pool of a Pooled strategy.
type PoolUsage struct {
	First, Last uintptr // Size range served by the pool.
	ChunkSize   uintptr
	Chunks      int
	Free        int
	Allocated   int
	HighWater   int
}

// Pooled serves requests from fixed-size chunk pools and forwards sizes no
// pool serves, and requests a full pool cannot serve, to its delegate.
type Pooled struct {
	index    *chunkindex.Index
	delegate Allocator
	log      opLogger
}

// NewPooled reserves the pools described by pools and indexes their chunks.
func NewPooled(pools []PoolConfig, delegate Allocator, logger *slog.Logger) (*Pooled, error) {
	entries, err := layoutEntries(pools)
	if err != nil {
		return nil, err
	}
	set, err := pool.NewSet(entries)
	if err != nil {
		return nil, err
	}
	a := &Pooled{
		index:    chunkindex.New(set),
		delegate: delegate,
		log:      newOpLogger(logger, StrategyPooled),
	}
	for _, p := range set.Pools() {
		a.log.logger.Log(context.Background(), slogLevelDebug, "pool reserved",
			"range", p.Range(),
			"chunk_size", p.ChunkSize(),
			"chunks", p.NumChunks(),
		)
	}
	return a, nil
}

// orDelegate retries a request the responsible pool could not serve.
func orDelegate(ptr unsafe.Pointer, delegated bool, err error, alloc func() (unsafe.Pointer, error)) (unsafe.Pointer, bool, error) {
	if errors.Is(err, ErrPoolExhausted) {
		ptr, err = alloc()
		return ptr, true, err
	}
	return ptr, delegated, err
}

func (a *Pooled) Malloc(size uintptr) (unsafe.Pointer, error) {
	t := a.log.begin()
	ptr, delegated, err := a.index.Allocate(size, a.delegate.Malloc, chunkindex.Always)
	ptr, delegated, err = orDelegate(ptr, delegated, err, func() (unsafe.Pointer, error) {
		return a.delegate.Malloc(size)
	})
	a.log.end("malloc", t, ptr, err, delegated, sizeAttr(size))
	return ptr, err
}

func (a *Pooled) Free(ptr unsafe.Pointer) {
	t := a.log.begin()
	delegated := a.index.Deallocate(ptr, a.delegate.Free)
	a.log.end("free", t, nil, nil, delegated, ptrAttr(ptr))
}

// Calloc relies on pool chunks being zeroed whenever they are freed.
func (a *Pooled) Calloc(nmemb, size uintptr) (unsafe.Pointer, error) {
	t := a.log.begin()
	ptr, delegated, err := a.index.AllocateArray(nmemb, size, func(total uintptr) (unsafe.Pointer, error) {
		return a.delegate.Calloc(1, total)
	})
	ptr, delegated, err = orDelegate(ptr, delegated, err, func() (unsafe.Pointer, error) {
		return a.delegate.Calloc(nmemb, size)
	})
	a.log.end("calloc", t, ptr, err, delegated, slog.Uint64("nmemb", uint64(nmemb)), sizeAttr(size))
	return ptr, err
}

func (a *Pooled) Realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	t := a.log.begin()
	newPtr, delegated, err := a.realloc(ptr, size)
	a.log.end("realloc", t, newPtr, err, delegated, ptrAttr(ptr), sizeAttr(size))
	return newPtr, err
}

func (a *Pooled) ReallocArray(ptr unsafe.Pointer, nmemb, size uintptr) (unsafe.Pointer, error) {
	t := a.log.begin()
	var (
		newPtr    unsafe.Pointer
		delegated bool
		err       error = ErrNoMemory
	)
	if total, ok := chunkindex.MulSize(nmemb, size); ok {
		newPtr, delegated, err = a.realloc(ptr, total)
	}
	a.log.end("reallocarray", t, newPtr, err, delegated, ptrAttr(ptr), slog.Uint64("nmemb", uint64(nmemb)), sizeAttr(size))
	return newPtr, err
}

func (a *Pooled) realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, bool, error) {
	newPtr, delegated, err := a.index.Reallocate(ptr, size, a.delegate.Malloc, a.delegate.Realloc)
	if !errors.Is(err, ErrPoolExhausted) {
		return newPtr, delegated, err
	}

	c := a.index.Lookup(ptr)
	if c == nil {
		// ptr was nil or empty and the pool for size is full.
		newPtr, err = a.delegate.Malloc(size)
		return newPtr, true, err
	}
	if src := c.Owner(); size <= src.ChunkSize() {
		return src.Reallocate(c, size), false, nil
	}
	newPtr, err = chunkindex.Move(c, size, a.delegate.Malloc)
	return newPtr, true, err
}

// AlignedAlloc serves alignments up to MaxAlign from the pools; stricter
// alignments always go to the delegate.
func (a *Pooled) AlignedAlloc(alignment, size uintptr) (unsafe.Pointer, error) {
	t := a.log.begin()
	var (
		ptr       unsafe.Pointer
		delegated bool
		err       error
	)
	if !isPowerOfTwo(alignment) {
		err = ErrInvalid
	} else {
		alloc := func(size uintptr) (unsafe.Pointer, error) {
			return a.delegate.AlignedAlloc(alignment, size)
		}
		ptr, delegated, err = a.index.Allocate(size, alloc, func() bool {
			return alignment <= MaxAlign
		})
		ptr, delegated, err = orDelegate(ptr, delegated, err, func() (unsafe.Pointer, error) {
			return alloc(size)
		})
	}
	a.log.end("aligned_alloc", t, ptr, err, delegated, slog.Uint64("alignment", uint64(alignment)), sizeAttr(size))
	return ptr, err
}

// UsableSize returns the chunk size for pool allocations.
func (a *Pooled) UsableSize(ptr unsafe.Pointer) uintptr {
	if isEmpty(ptr) {
		return 0
	}
	if c := a.index.Lookup(ptr); c != nil {
		return c.Owner().ChunkSize()
	}
	return a.delegate.UsableSize(ptr)
}

// Owns reports whether ptr is a chunk of one of the pools.
func (a *Pooled) Owns(ptr unsafe.Pointer) bool {
	return a.index.Lookup(ptr) != nil
}

// Stats returns a snapshot of every pool in increasing size order.
func (a *Pooled) Stats() []PoolUsage {
	stats := a.index.Pools().Stats()
	usage := make([]PoolUsage, len(stats))
	for i, s := range stats {
		usage[i] = PoolUsage{
			First:     s.Range.First,
			Last:      s.Range.Last,
			ChunkSize: s.ChunkSize,
			Chunks:    s.Chunks,
			Free:      s.Free,
			Allocated: s.Allocated,
			HighWater: s.HighWater,
		}
	}
	return usage
}

// Dump writes one line per pool to w.
func (a *Pooled) Dump(w io.Writer) {
	fmt.Fprintf(w, "--- Pools (%d) ---\n", len(a.index.Pools().Pools()))
	for _, u := range a.Stats() {
		fmt.Fprintf(w, "[%d, %d] chunk=%s chunks=%d allocated=%d free=%d hwm=%d reserved=%s\n",
			u.First, u.Last,
			humanize.IBytes(uint64(u.ChunkSize)),
			u.Chunks, u.Allocated, u.Free, u.HighWater,
			humanize.IBytes(uint64(u.ChunkSize)*uint64(u.Chunks)),
		)
	}
}

// Close releases every pool and closes the delegate. Pool memory must not be
// used afterwards.
func (a *Pooled) Close() error {
	for _, u := range a.Stats() {
		a.log.logger.Info("pool statistics",
			"first", u.First,
			"last", u.Last,
			"chunks", u.Chunks,
			"allocated", u.Allocated,
			"hwm", u.HighWater,
		)
	}
	return errors.Join(a.index.Pools().Close(), a.delegate.Close())
}
