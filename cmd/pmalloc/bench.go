package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/holmberd/go-pmalloc"
)

type workload struct {
	ops     int
	maxSize uint64
}

// run performs w.ops random operations against a and frees whatever is still
// live at the end.
func (w workload) run(a pmalloc.Allocator, rng *rand.Rand) error {
	var live []unsafe.Pointer
	defer func() {
		for _, ptr := range live {
			a.Free(ptr)
		}
	}()

	for range w.ops {
		size := uintptr(rng.Uint64N(w.maxSize) + 1)
		switch op := rng.IntN(3); {
		case op == 0 || len(live) == 0:
			ptr, err := a.Malloc(size)
			if err != nil {
				return fmt.Errorf("malloc(%d): %w", size, err)
			}
			live = append(live, ptr)
		case op == 1:
			i := rng.IntN(len(live))
			ptr, err := a.Realloc(live[i], size)
			if err != nil {
				return fmt.Errorf("realloc(%d): %w", size, err)
			}
			live[i] = ptr
		default:
			i := rng.IntN(len(live))
			a.Free(live[i])
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		}
	}
	return nil
}

func bench(ctx *cli.Context) error {
	workers, ops := ctx.Int("workers"), ctx.Int("ops")
	if workers <= 0 || ops <= 0 {
		return errors.New("workers and ops must be positive")
	}
	w := workload{ops: ops, maxSize: ctx.Uint64("max-size")}
	if w.maxSize == 0 {
		return errors.New("max-size must be positive")
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := pmalloc.New(cfg)
	if err != nil {
		return err
	}

	seed := uint64(ctx.Int64("seed"))
	errs := make([]error, workers)
	start := time.Now()
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = w.run(a, rand.New(rand.NewPCG(seed, uint64(i))))
		}()
	}
	wg.Wait()
	elapsed := max(time.Since(start), time.Microsecond)

	out := ctx.App.Writer
	total := uint64(workers) * uint64(ops)
	fmt.Fprintf(out, "strategy=%s workers=%d ops=%s elapsed=%s ops/s=%s\n",
		cfg.Strategy, workers, humanize.Comma(int64(total)), elapsed,
		humanize.Comma(int64(float64(total)/elapsed.Seconds())),
	)
	if d, ok := a.(pmalloc.Dumper); ok {
		d.Dump(out)
	}
	return errors.Join(errors.Join(errs...), a.Close())
}
