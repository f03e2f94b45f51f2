package pmalloc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/holmberd/go-pmalloc/internal/pool"
)

const (
	StrategyPassThrough = "passthrough"
	StrategyPooled      = "pooled"
	StrategyStats       = "stats"
)

// EnvConfig names the environment variable holding the path of the
// configuration file read by ConfigFromEnv.
const EnvConfig = "PMALLOC_CONFIG"

// maxRangeSpan bounds the number of sizes a single range entry may cover.
const maxRangeSpan = 1 << 20

// PoolConfig describes one pool. Either Size is set, adding a single size to
// the layout, or Min and Max are, adding the whole inclusive range as one
// pool. Adjacent sizes are merged into a single pool whose chunk count is
// the sum of the merged counts.
//
// Pooled layouts need a positive Count for every merged pool. For the stats
// strategy over passthrough Count is a soft limit on live allocations in the
// range, and 0 means no limit.
type PoolConfig struct {
	Size  uint64 `toml:"size"`
	Min   uint64 `toml:"min"`
	Max   uint64 `toml:"max"`
	Count int    `toml:"count"`
}

func (c PoolConfig) String() string {
	if c.Size != 0 {
		return fmt.Sprintf("pool{size=%d count=%d}", c.Size, c.Count)
	}
	return fmt.Sprintf("pool{min=%d max=%d count=%d}", c.Min, c.Max, c.Count)
}

type LogConfig struct {
	Level   LogLevel `toml:"level"`
	Backend string   `toml:"backend"` // text, json or discard.
	File    string   `toml:"file"`    // Appended to; stderr when empty.
}

type Config struct {
	Strategy string `toml:"strategy"`

	// Delegate is the strategy serving what Strategy does not. Pooled accepts
	// passthrough; stats accepts passthrough or pooled. Defaults to
	// passthrough.
	Delegate string `toml:"delegate"`

	Pools []PoolConfig `toml:"pool"`
	Log   LogConfig    `toml:"log"`
}

func DefaultConfig() Config {
	return Config{
		Strategy: StrategyPassThrough,
		Log: LogConfig{
			Level:   LogError,
			Backend: BackendText,
		},
	}
}

func (c Config) delegate() string {
	if c.Delegate == "" {
		return StrategyPassThrough
	}
	return c.Delegate
}

func (c Config) Validate() error {
	var errs []error
	switch c.Strategy {
	case StrategyPassThrough:
		if c.Delegate != "" {
			errs = append(errs, fmt.Errorf("%w: strategy %s takes no delegate", ErrInvalidConfig, c.Strategy))
		}
	case StrategyPooled:
		if c.delegate() != StrategyPassThrough {
			errs = append(errs, fmt.Errorf("%w: invalid delegate %q for strategy %s", ErrInvalidConfig, c.Delegate, c.Strategy))
		}
	case StrategyStats:
		if d := c.delegate(); d != StrategyPassThrough && d != StrategyPooled {
			errs = append(errs, fmt.Errorf("%w: invalid delegate %q for strategy %s", ErrInvalidConfig, c.Delegate, c.Strategy))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy))
	}

	if c.Strategy == StrategyPooled || c.Strategy == StrategyStats {
		if len(c.Pools) == 0 {
			errs = append(errs, fmt.Errorf("%w: strategy %s needs at least one pool", ErrInvalidConfig, c.Strategy))
		} else if _, err := c.Layout(); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Log.Backend {
	case "", BackendText, BackendJSON, BackendDiscard:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown log backend %q", ErrInvalidConfig, c.Log.Backend))
	}
	if c.Log.Level < LogNone || c.Log.Level > LogDebug {
		errs = append(errs, fmt.Errorf("%w: unknown log level %d", ErrInvalidConfig, c.Log.Level))
	}
	return errors.Join(errs...)
}

// Layout returns the merged pools described by c.Pools. Only a stats
// configuration without a pooled delegate allows pools with a zero count.
func (c Config) Layout() ([]pool.Spec, error) {
	entries, err := layoutEntries(c.Pools)
	if err != nil {
		return nil, err
	}
	if c.Strategy == StrategyStats && c.delegate() == StrategyPassThrough {
		return pool.Merge(entries)
	}
	return pool.Layout(entries)
}

// layoutEntries expands pool configs into one layout entry per size. A range
// carries its whole count on its first size so the merge yields one pool.
func layoutEntries(pools []PoolConfig) ([]pool.Entry, error) {
	var (
		entries []pool.Entry
		errs    []error
	)
	for _, p := range pools {
		switch {
		case p.Size != 0 && (p.Min != 0 || p.Max != 0):
			errs = append(errs, fmt.Errorf("%w: %v sets both size and range", ErrInvalidConfig, p))
		case p.Size != 0:
			size, ok := toSize(p.Size)
			if !ok {
				errs = append(errs, fmt.Errorf("%w: %v size overflows", ErrInvalidConfig, p))
				continue
			}
			entries = append(entries, pool.Entry{Size: size, Count: p.Count})
		case p.Min == 0 || p.Max < p.Min:
			errs = append(errs, fmt.Errorf("%w: %v has an empty size range", ErrInvalidConfig, p))
		case p.Max-p.Min >= maxRangeSpan:
			errs = append(errs, fmt.Errorf("%w: %v spans more than %d sizes", ErrInvalidConfig, p, maxRangeSpan))
		default:
			first, ok1 := toSize(p.Min)
			last, ok2 := toSize(p.Max)
			if !ok1 || !ok2 {
				errs = append(errs, fmt.Errorf("%w: %v size overflows", ErrInvalidConfig, p))
				continue
			}
			entries = append(entries, pool.Entry{Size: first, Count: p.Count})
			for size := first + 1; size <= last && size > first; size++ {
				entries = append(entries, pool.Entry{Size: size})
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return entries, nil
}

func toSize(n uint64) (uintptr, bool) {
	size := uintptr(n)
	return size, uint64(size) == n
}

// LoadConfig reads a TOML configuration file. Keys that do not map to a
// configuration field are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: %s: unknown keys %v", ErrInvalidConfig, path, undecoded)
	}
	return cfg, nil
}

// ConfigFromEnv loads the file named by PMALLOC_CONFIG, or returns
// DefaultConfig when the variable is unset or empty.
func ConfigFromEnv() (Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

// NewLogger builds the logger described by c. The returned closer releases
// the log file, if any.
func (c LogConfig) NewLogger() (*slog.Logger, io.Closer, error) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if c.File != "" && c.Level != LogNone && c.Backend != BackendDiscard {
		f, err := os.OpenFile(c.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open log file: %w", err)
		}
		w, closer = f, f
	}
	logger, err := NewLogger(w, c.Backend, c.Level)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the allocator described by cfg, logging as cfg.Log says.
func New(cfg Config) (Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, closer, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, err
	}
	a, err := NewWithLogger(cfg, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}
	if _, ok := closer.(nopCloser); ok {
		return a, nil
	}
	return &closingAllocator{Allocator: a, closer: closer}, nil
}

// NewWithLogger builds the allocator described by cfg, ignoring cfg.Log.
func NewWithLogger(cfg Config, logger *slog.Logger) (Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Strategy {
	case StrategyPooled:
		return NewPooled(cfg.Pools, NewPassThrough(logger), logger)
	case StrategyStats:
		inner := cfg
		inner.Strategy, inner.Delegate = cfg.delegate(), ""
		delegate, err := NewWithLogger(inner, logger)
		if err != nil {
			return nil, err
		}
		a, err := NewStatistics(cfg.Pools, delegate, logger)
		if err != nil {
			return nil, errors.Join(err, delegate.Close())
		}
		return a, nil
	default:
		return NewPassThrough(logger), nil
	}
}

// closingAllocator releases the log file after the allocator has logged its
// final statistics.
type closingAllocator struct {
	Allocator
	closer io.Closer
}

func (a *closingAllocator) Close() error {
	return errors.Join(a.Allocator.Close(), a.closer.Close())
}

func (a *closingAllocator) Dump(w io.Writer) {
	if d, ok := a.Allocator.(Dumper); ok {
		d.Dump(w)
	}
}
