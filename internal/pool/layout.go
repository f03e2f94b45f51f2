package pool

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/holmberd/go-pmalloc/internal/sizerange"
)

// Entry is one configured size and the number of chunks reserved for it.
type Entry struct {
	Size  uintptr
	Count int
}

// Spec describes one pool of a layout.
type Spec struct {
	Range sizerange.Range
	Count int
}

// Layout merges entries like Merge and additionally requires every merged
// pool to have at least one chunk.
func Layout(entries []Entry) ([]Spec, error) {
	specs, err := Merge(entries)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, s := range specs {
		if s.Count == 0 {
			errs = append(errs, fmt.Errorf("%w: pool %v has no chunks", ErrInvalidConfig, s.Range))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return specs, nil
}

// Merge sorts entries by size and merges every run of contiguous sizes into
// a single spec whose range spans the run and whose count is the run's sum.
// A gap between two configured sizes starts a new spec. Specs with a zero
// count are kept.
func Merge(entries []Entry) ([]Spec, error) {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b Entry) int {
		return cmp.Compare(a.Size, b.Size)
	})

	var errs []error
	var specs []Spec
	for i, e := range sorted {
		if e.Size == 0 {
			errs = append(errs, fmt.Errorf("%w: size must be positive", ErrInvalidConfig))
			continue
		}
		if e.Count < 0 {
			errs = append(errs, fmt.Errorf("%w: negative count %d for size %d", ErrInvalidConfig, e.Count, e.Size))
			continue
		}
		if i > 0 && sorted[i-1].Size == e.Size {
			errs = append(errs, fmt.Errorf("%w: duplicate size %d", ErrInvalidConfig, e.Size))
			continue
		}
		if n := len(specs); n > 0 && specs[n-1].Range.Last+1 == e.Size {
			specs[n-1].Range.Last = e.Size
			specs[n-1].Count += e.Count
			continue
		}
		specs = append(specs, Spec{Range: sizerange.Point(e.Size), Count: e.Count})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return specs, nil
}
