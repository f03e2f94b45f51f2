package pool

import (
	"log/slog"
	"math"

	"golang.org/x/sys/unix"
)

// maxMapSize bounds a single backing buffer to what a mapping length can express.
const maxMapSize = math.MaxInt

// mapBacking maps size bytes of anonymous, zeroed memory outside the Go heap,
// so the GC never scans or moves pool chunks.
func mapBacking(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
}

// unmapBacking releases memory obtained from mapBacking back to the operating system.
func unmapBacking(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		slog.Error("failed to unmap pool backing buffer", "size", len(b), "error", err)
		return err
	}
	return nil
}
