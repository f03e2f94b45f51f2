package pmalloc

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"

	"github.com/holmberd/go-pmalloc/internal/addrmap"
	"github.com/holmberd/go-pmalloc/internal/chunkindex"
	"github.com/holmberd/go-pmalloc/internal/pool"
	"github.com/holmberd/go-pmalloc/internal/sizerange"
)

// PoolStatistics describes the allocations attributed to one size range.
type PoolStatistics struct {
	First, Last uintptr
	Overflow    bool // Catch-all for sizes outside every configured range.
	Limit       int  // Soft limit on live allocations; 0 means none.
	Live        int
	Min, Max    uintptr // Smallest and largest size ever requested.
	HighWater   int
}

type rangeStats struct {
	mu     sync.Mutex
	s      PoolStatistics
	warned bool
}

func (r *rangeStats) add(size uintptr, logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.s.Live++
	r.s.HighWater = max(r.s.HighWater, r.s.Live)
	if r.s.Min == 0 || size < r.s.Min {
		r.s.Min = size
	}
	r.s.Max = max(r.s.Max, size)
	if r.s.Limit > 0 && r.s.Live > r.s.Limit && !r.warned {
		r.warned = true
		logger.Warn("pool size limit exceeded",
			"first", r.s.First,
			"last", r.s.Last,
			"limit", r.s.Limit,
		)
	}
}

func (r *rangeStats) remove() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.Live--
}

func (r *rangeStats) snapshot() PoolStatistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s
}

// record attributes one live allocation to a size range.
type record struct {
	stats *rangeStats
	size  uintptr
}

// Statistics delegates every call unchanged and records, per configured size
// range, how the workload would have used the pools. Sizes outside every
// range are attributed to a single overflow range.
type Statistics struct {
	delegate Allocator
	ranges   *sizerange.Index[*rangeStats]
	all      []*rangeStats
	overflow *rangeStats
	ledger   *addrmap.Map[record]
	log      opLogger
}

// NewStatistics wraps delegate. The count of each configured pool is the
// soft limit of its range; a count of 0 tracks the range without a limit.
func NewStatistics(pools []PoolConfig, delegate Allocator, logger *slog.Logger) (*Statistics, error) {
	entries, err := layoutEntries(pools)
	if err != nil {
		return nil, err
	}
	specs, err := pool.Merge(entries)
	if err != nil {
		return nil, err
	}

	a := &Statistics{
		delegate: delegate,
		ranges:   sizerange.New[*rangeStats](),
		ledger:   addrmap.New[record](),
		log:      newOpLogger(logger, StrategyStats),
	}
	for _, spec := range specs {
		r := &rangeStats{s: PoolStatistics{
			First: spec.Range.First,
			Last:  spec.Range.Last,
			Limit: spec.Count,
		}}
		if !a.ranges.Insert(spec.Range, r) {
			return nil, fmt.Errorf("%w: overlapping range %v", ErrInvalidConfig, spec.Range)
		}
		a.all = append(a.all, r)
	}
	a.overflow = &rangeStats{s: PoolStatistics{First: 1, Last: ^uintptr(0), Overflow: true}}
	a.all = append(a.all, a.overflow)
	return a, nil
}

func (a *Statistics) rangeFor(size uintptr) *rangeStats {
	if r, ok := a.ranges.At(size); ok {
		return r
	}
	return a.overflow
}

func (a *Statistics) track(ptr unsafe.Pointer, size uintptr) *rangeStats {
	if isEmpty(ptr) {
		return nil
	}
	r := a.rangeFor(size)
	r.add(size, a.log.logger)
	if prev, replaced := a.ledger.Store(uintptr(ptr), record{stats: r, size: size}); replaced {
		prev.stats.remove()
	}
	return r
}

func (a *Statistics) untrack(ptr unsafe.Pointer) (record, bool) {
	if isEmpty(ptr) {
		return record{}, false
	}
	rec, ok := a.ledger.LoadAndDelete(uintptr(ptr))
	if ok {
		rec.stats.remove()
	}
	return rec, ok
}

func (a *Statistics) Malloc(size uintptr) (unsafe.Pointer, error) {
	t := a.log.begin()
	ptr, err := a.delegate.Malloc(size)
	if err == nil {
		a.track(ptr, size)
	}
	a.log.end("malloc", t, ptr, err, true, sizeAttr(size))
	return ptr, err
}

// Free removes ptr from the ledger before releasing it, so the address cannot
// be reused and recorded by another caller in between.
func (a *Statistics) Free(ptr unsafe.Pointer) {
	t := a.log.begin()
	a.untrack(ptr)
	a.delegate.Free(ptr)
	a.log.end("free", t, nil, nil, true, ptrAttr(ptr))
}

func (a *Statistics) Calloc(nmemb, size uintptr) (unsafe.Pointer, error) {
	t := a.log.begin()
	ptr, err := a.delegate.Calloc(nmemb, size)
	if err == nil {
		a.track(ptr, nmemb*size)
	}
	a.log.end("calloc", t, ptr, err, true, slog.Uint64("nmemb", uint64(nmemb)), sizeAttr(size))
	return ptr, err
}

func (a *Statistics) Realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	t := a.log.begin()
	newPtr, err := a.realloc(ptr, size, func() (unsafe.Pointer, error) {
		return a.delegate.Realloc(ptr, size)
	})
	a.log.end("realloc", t, newPtr, err, true, ptrAttr(ptr), sizeAttr(size))
	return newPtr, err
}

func (a *Statistics) ReallocArray(ptr unsafe.Pointer, nmemb, size uintptr) (newPtr unsafe.Pointer, err error) {
	t := a.log.begin()
	if total, ok := chunkindex.MulSize(nmemb, size); ok {
		newPtr, err = a.realloc(ptr, total, func() (unsafe.Pointer, error) {
			return a.delegate.ReallocArray(ptr, nmemb, size)
		})
	} else {
		err = ErrNoMemory
	}
	a.log.end("reallocarray", t, newPtr, err, true, ptrAttr(ptr), slog.Uint64("nmemb", uint64(nmemb)), sizeAttr(size))
	return newPtr, err
}

// realloc moves the ledger entry of ptr to the range of the new size. The old
// entry is withdrawn before the delegate call and restored if it fails.
func (a *Statistics) realloc(ptr unsafe.Pointer, size uintptr, call func() (unsafe.Pointer, error)) (unsafe.Pointer, error) {
	old, tracked := a.untrack(ptr)
	newPtr, err := call()
	if err != nil {
		if tracked {
			a.restore(ptr, old)
		}
		return nil, err
	}

	r := a.track(newPtr, size)
	if tracked && r == a.overflow && old.stats != a.overflow {
		a.log.logger.Warn("allocation outgrew its configured range",
			"ptr", ptrValue(ptr),
			"old_size", old.size,
			"new_size", size,
		)
	}
	return newPtr, nil
}

func (a *Statistics) restore(ptr unsafe.Pointer, rec record) {
	rec.stats.mu.Lock()
	rec.stats.s.Live++
	rec.stats.mu.Unlock()
	a.ledger.Store(uintptr(ptr), rec)
}

func (a *Statistics) AlignedAlloc(alignment, size uintptr) (unsafe.Pointer, error) {
	t := a.log.begin()
	ptr, err := a.delegate.AlignedAlloc(alignment, size)
	if err == nil {
		a.track(ptr, size)
	}
	a.log.end("aligned_alloc", t, ptr, err, true, slog.Uint64("alignment", uint64(alignment)), sizeAttr(size))
	return ptr, err
}

func (a *Statistics) UsableSize(ptr unsafe.Pointer) uintptr {
	return a.delegate.UsableSize(ptr)
}

// Stats returns a snapshot of every configured range in increasing size
// order, followed by the overflow range.
func (a *Statistics) Stats() []PoolStatistics {
	stats := make([]PoolStatistics, len(a.all))
	for i, r := range a.all {
		stats[i] = r.snapshot()
	}
	return stats
}

// Tracked returns the number of live allocations in the ledger.
func (a *Statistics) Tracked() int {
	return a.ledger.Len()
}

// Dump writes one line per range to w.
func (a *Statistics) Dump(w io.Writer) {
	fmt.Fprintf(w, "--- Size ranges (%d) ---\n", len(a.all)-1)
	for _, s := range a.Stats() {
		name := fmt.Sprintf("[%d, %d]", s.First, s.Last)
		limit := "-"
		if s.Limit > 0 {
			limit = fmt.Sprint(s.Limit)
		}
		if s.Overflow {
			name = "overflow"
		}
		fmt.Fprintf(w, "%s live=%d hwm=%d limit=%s min=%s max=%s\n",
			name, s.Live, s.HighWater, limit,
			humanize.IBytes(uint64(s.Min)), humanize.IBytes(uint64(s.Max)),
		)
	}
}

func (a *Statistics) Close() error {
	for _, s := range a.Stats() {
		a.log.logger.Info("range statistics",
			"first", s.First,
			"last", s.Last,
			"overflow", s.Overflow,
			"live", s.Live,
			"hwm", s.HighWater,
			"limit", s.Limit,
			"min", s.Min,
			"max", s.Max,
		)
	}
	return a.delegate.Close()
}
