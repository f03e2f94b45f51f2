package pmalloc

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
)

// GOMAXPROCS=4 go clean -testcache && go test -bench=BenchmarkMalloc -benchtime=10s -benchmem .

var benchPools = []PoolConfig{
	{Min: 1, Max: 64, Count: 1 << 14},
	{Min: 65, Max: 512, Count: 1 << 12},
}

func benchAllocators(b *testing.B) map[string]Allocator {
	b.Helper()
	pooled, err := NewPooled(benchPools, NewPassThrough(discardLogger), discardLogger)
	if err != nil {
		b.Fatal(err)
	}
	stats, err := NewStatistics(benchPools, NewPassThrough(discardLogger), discardLogger)
	if err != nil {
		b.Fatal(err)
	}
	allocators := map[string]Allocator{
		StrategyPassThrough: NewPassThrough(discardLogger),
		StrategyPooled:      pooled,
		StrategyStats:       stats,
	}
	b.Cleanup(func() {
		for _, a := range allocators {
			a.Close()
		}
	})
	return allocators
}

// BenchmarkMallocFree measures an immediate malloc/free pair of random
// pooled sizes.
func BenchmarkMallocFree(b *testing.B) {
	for name, a := range benchAllocators(b) {
		b.Run(name, func(b *testing.B) {
			b.ResetTimer()
			b.ReportAllocs()
			b.RunParallel(func(pb *testing.PB) {
				// Each goroutine gets its own random number source to avoid lock contention.
				rng := rand.New(rand.NewSource(time.Now().UnixNano()))
				for pb.Next() {
					size := uintptr(rng.Intn(512) + 1)
					ptr, err := a.Malloc(size)
					if err != nil {
						panic(fmt.Errorf("failed to malloc %d: %w", size, err))
					}
					a.Free(ptr)
				}
			})
		})
	}
}

// BenchmarkMallocReallocFree grows every allocation across a size class
// boundary before freeing it.
func BenchmarkMallocReallocFree(b *testing.B) {
	for name, a := range benchAllocators(b) {
		b.Run(name, func(b *testing.B) {
			b.ResetTimer()
			b.ReportAllocs()
			b.RunParallel(func(pb *testing.PB) {
				rng := rand.New(rand.NewSource(time.Now().UnixNano()))
				for pb.Next() {
					size := uintptr(rng.Intn(64) + 1)
					ptr, err := a.Malloc(size)
					if err != nil {
						panic(fmt.Errorf("failed to malloc %d: %w", size, err))
					}
					if ptr, err = a.Realloc(ptr, size*4); err != nil {
						panic(fmt.Errorf("failed to realloc %d: %w", size*4, err))
					}
					a.Free(ptr)
				}
			})
		})
	}
}
