package pool

import (
	"errors"
	"fmt"

	"github.com/holmberd/go-pmalloc/internal/sizerange"
)

// Set owns one Pool per merged size range of a layout.
type Set struct {
	index   *sizerange.Index[*Pool]
	pools   []*Pool
	nChunks int
}

// NewSet builds the pools described by entries. An invalid layout is
// reported before any backing memory is mapped.
func NewSet(entries []Entry) (*Set, error) {
	specs, err := Layout(entries)
	if err != nil {
		return nil, err
	}

	s := &Set{index: sizerange.New[*Pool]()}
	for _, spec := range specs {
		p, err := New(spec.Range, spec.Count)
		if err != nil {
			return nil, errors.Join(err, s.Close())
		}
		if !s.index.Insert(spec.Range, p) {
			err := fmt.Errorf("%w: overlapping range %v", ErrInvalidConfig, spec.Range)
			return nil, errors.Join(err, p.Close(), s.Close())
		}
		s.pools = append(s.pools, p)
		s.nChunks += p.NumChunks()
	}
	return s, nil
}

// At returns the pool responsible for size, or nil.
func (s *Set) At(size uintptr) *Pool {
	p, _ := s.index.At(size)
	return p
}

// Pools returns the pools in increasing size order.
func (s *Set) Pools() []*Pool {
	return s.pools
}

// NumChunks returns the total number of chunks across all pools.
func (s *Set) NumChunks() int {
	return s.nChunks
}

// ForEachChunk calls fn once for every chunk of every pool.
func (s *Set) ForEachChunk(fn func(c *Chunk)) {
	for _, p := range s.pools {
		p.ForEachChunk(fn)
	}
}

// Stats returns a snapshot of every pool in increasing size order.
func (s *Set) Stats() []Stats {
	stats := make([]Stats, len(s.pools))
	for i, p := range s.pools {
		stats[i] = p.Stats()
	}
	return stats
}

// Close releases the backing buffers of all pools.
func (s *Set) Close() error {
	var errs []error
	for _, p := range s.pools {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
