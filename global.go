package pmalloc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

var ErrAlreadyInstalled = errors.New("pmalloc: an allocator is already installed")

var (
	installMu sync.Mutex
	installed atomic.Pointer[Allocator]
)

// Default returns the process-wide allocator, building it from
// ConfigFromEnv on first use. It panics if the configuration is invalid,
// since no allocation can be served without it.
func Default() Allocator {
	if a := installed.Load(); a != nil {
		return *a
	}

	installMu.Lock()
	defer installMu.Unlock()
	if a := installed.Load(); a != nil {
		return *a
	}
	cfg, err := ConfigFromEnv()
	if err != nil {
		panic(fmt.Errorf("pmalloc: %w", err))
	}
	a, err := New(cfg)
	if err != nil {
		panic(fmt.Errorf("pmalloc: %w", err))
	}
	installed.Store(&a)
	return a
}

// Install makes a the process-wide allocator.
func Install(a Allocator) error {
	installMu.Lock()
	defer installMu.Unlock()
	if installed.Load() != nil {
		return ErrAlreadyInstalled
	}
	installed.Store(&a)
	return nil
}

// Shutdown closes and clears the process-wide allocator, if any. Memory it
// served must not be used afterwards.
func Shutdown() error {
	installMu.Lock()
	defer installMu.Unlock()
	a := installed.Swap(nil)
	if a == nil {
		return nil
	}
	return (*a).Close()
}

func Malloc(size uintptr) (unsafe.Pointer, error) {
	return Default().Malloc(size)
}

func Free(ptr unsafe.Pointer) {
	Default().Free(ptr)
}

func Calloc(nmemb, size uintptr) (unsafe.Pointer, error) {
	return Default().Calloc(nmemb, size)
}

func Realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	return Default().Realloc(ptr, size)
}

func ReallocArray(ptr unsafe.Pointer, nmemb, size uintptr) (unsafe.Pointer, error) {
	return Default().ReallocArray(ptr, nmemb, size)
}

func AlignedAlloc(alignment, size uintptr) (unsafe.Pointer, error) {
	return Default().AlignedAlloc(alignment, size)
}

func UsableSize(ptr unsafe.Pointer) uintptr {
	return Default().UsableSize(ptr)
}
