package testutils

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxAlign is the minimum alignment of every mock block, matching the
// allocators under test.
const maxAlign = 16

type mockBlock struct {
	buf  []byte // Keeps the block reachable.
	size uintptr
}

// MockAllocator is a delegate allocator backed by the Go heap that counts
// calls. Blocks are aligned to at least 16 bytes and kept reachable until
// freed.
type MockAllocator struct {
	mallocCalls  atomic.Int64
	freeCalls    atomic.Int64
	reallocCalls atomic.Int64

	// FailAbove makes every allocation larger than this size fail with ENOMEM
	// when non-zero.
	FailAbove uintptr

	mu   sync.Mutex
	live map[unsafe.Pointer]mockBlock
}

func (m *MockAllocator) alloc(align, size uintptr) (unsafe.Pointer, error) {
	if m.FailAbove != 0 && size > m.FailAbove {
		return nil, unix.ENOMEM
	}
	align = max(align, maxAlign)
	buf := make([]byte, max(size, 1)+align)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	offset := (base+align-1)&^(align-1) - base
	ptr := unsafe.Pointer(&buf[offset])

	m.mu.Lock()
	if m.live == nil {
		m.live = make(map[unsafe.Pointer]mockBlock)
	}
	m.live[ptr] = mockBlock{buf: buf, size: size}
	m.mu.Unlock()
	return ptr, nil
}

func (m *MockAllocator) Malloc(size uintptr) (unsafe.Pointer, error) {
	m.mallocCalls.Add(1)
	return m.alloc(maxAlign, size)
}

func (m *MockAllocator) Calloc(nmemb, size uintptr) (unsafe.Pointer, error) {
	m.mallocCalls.Add(1)
	if size != 0 && nmemb > ^uintptr(0)/size {
		return nil, unix.ENOMEM
	}
	return m.alloc(maxAlign, nmemb*size)
}

func (m *MockAllocator) AlignedAlloc(alignment, size uintptr) (unsafe.Pointer, error) {
	m.mallocCalls.Add(1)
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, unix.EINVAL
	}
	if alignment > 1<<20 {
		return nil, unix.ENOMEM
	}
	return m.alloc(alignment, size)
}

func (m *MockAllocator) Free(ptr unsafe.Pointer) {
	m.freeCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[ptr]; !ok {
		panic("mock allocator: free of unknown pointer")
	}
	delete(m.live, ptr)
}

func (m *MockAllocator) Realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	m.reallocCalls.Add(1)
	if ptr == nil {
		return m.alloc(maxAlign, size)
	}
	if size == 0 {
		m.Free(ptr)
		return nil, nil
	}
	m.mu.Lock()
	old, ok := m.live[ptr]
	m.mu.Unlock()
	if !ok {
		panic("mock allocator: realloc of unknown pointer")
	}
	newPtr, err := m.alloc(maxAlign, size)
	if err != nil {
		return nil, err
	}
	copy(unsafe.Slice((*byte)(newPtr), size), unsafe.Slice((*byte)(ptr), old.size))
	m.mu.Lock()
	delete(m.live, ptr)
	m.mu.Unlock()
	return newPtr, nil
}

func (m *MockAllocator) ReallocArray(ptr unsafe.Pointer, nmemb, size uintptr) (unsafe.Pointer, error) {
	if size != 0 && nmemb > ^uintptr(0)/size {
		return nil, unix.ENOMEM
	}
	return m.Realloc(ptr, nmemb*size)
}

func (m *MockAllocator) UsableSize(ptr unsafe.Pointer) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[ptr].size
}

func (m *MockAllocator) Close() error { return nil }

// Owns reports whether ptr is a live block of the mock.
func (m *MockAllocator) Owns(ptr unsafe.Pointer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[ptr]
	return ok
}

func (m *MockAllocator) MallocCalls() int64 {
	return m.mallocCalls.Load()
}

func (m *MockAllocator) FreeCalls() int64 {
	return m.freeCalls.Load()
}

func (m *MockAllocator) ReallocCalls() int64 {
	return m.reallocCalls.Load()
}

// Live returns the number of blocks allocated and not yet freed.
func (m *MockAllocator) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *MockAllocator) Reset() {
	m.mallocCalls.Store(0)
	m.freeCalls.Store(0)
	m.reallocCalls.Store(0)
}
