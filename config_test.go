package pmalloc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holmberd/go-pmalloc/internal/pool"
	"github.com/holmberd/go-pmalloc/internal/sizerange"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pmalloc.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestConfigValidate(t *testing.T) {
	pools := []PoolConfig{{Size: 32, Count: 8}}

	testCases := []struct {
		name  string
		cfg   Config
		valid bool
	}{
		{"Default", DefaultConfig(), true},
		{"Pooled", Config{Strategy: StrategyPooled, Pools: pools}, true},
		{"Pooled over passthrough", Config{Strategy: StrategyPooled, Delegate: StrategyPassThrough, Pools: pools}, true},
		{"Stats over pooled", Config{Strategy: StrategyStats, Delegate: StrategyPooled, Pools: pools}, true},
		{"Unknown strategy", Config{Strategy: "arena"}, false},
		{"Passthrough with delegate", Config{Strategy: StrategyPassThrough, Delegate: StrategyPooled}, false},
		{"Pooled over pooled", Config{Strategy: StrategyPooled, Delegate: StrategyPooled, Pools: pools}, false},
		{"Stats over stats", Config{Strategy: StrategyStats, Delegate: StrategyStats, Pools: pools}, false},
		{"Pooled without pools", Config{Strategy: StrategyPooled}, false},
		{"Invalid pool", Config{Strategy: StrategyPooled, Pools: []PoolConfig{{Size: 32}}}, false},
		{"Stats without limit", Config{Strategy: StrategyStats, Pools: []PoolConfig{{Size: 32}}}, true},
		{"Stats over pooled without chunks", Config{Strategy: StrategyStats, Delegate: StrategyPooled, Pools: []PoolConfig{{Size: 32}}}, false},
		{"Unknown backend", Config{Strategy: StrategyPassThrough, Log: LogConfig{Backend: "syslog"}}, false},
		{"Unknown level", Config{Strategy: StrategyPassThrough, Log: LogConfig{Level: LogDebug + 1}}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	err := Config{
		Strategy: StrategyPooled,
		Delegate: StrategyStats,
		Log:      LogConfig{Backend: "syslog"},
	}.Validate()
	require.ErrorContains(t, err, "invalid delegate")
	require.ErrorContains(t, err, "needs at least one pool")
	require.ErrorContains(t, err, "unknown log backend")
}

func TestConfigLayout(t *testing.T) {
	cfg := Config{Pools: []PoolConfig{
		{Min: 33, Max: 64, Count: 4},
		{Size: 16, Count: 8},
		{Size: 32, Count: 2},
		{Size: 256, Count: 1},
	}}
	specs, err := cfg.Layout()
	require.NoError(t, err)
	require.Equal(t, []pool.Spec{
		{Range: sizerange.Point(16), Count: 8},
		{Range: sizerange.Range{First: 32, Last: 64}, Count: 6},
		{Range: sizerange.Point(256), Count: 1},
	}, specs)
}

func TestConfigLayoutRejectsHugeRange(t *testing.T) {
	cfg := Config{Pools: []PoolConfig{{Min: 1, Max: 1 << 30, Count: 1}}}
	_, err := cfg.Layout()
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.ErrorContains(t, err, "spans more than")
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
strategy = "stats"
delegate = "pooled"

[log]
level = "trace"
backend = "json"

[[pool]]
size = 16
count = 100

[[pool]]
min = 17
max = 32
count = 50
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, Config{
		Strategy: StrategyStats,
		Delegate: StrategyPooled,
		Pools: []PoolConfig{
			{Size: 16, Count: 100},
			{Min: 17, Max: 32, Count: 50},
		},
		Log: LogConfig{Level: LogTrace, Backend: BackendJSON},
	}, cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `strategy = "passthrough"`))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigErrors(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{"Syntax", `strategy = `},
		{"Unknown key", "strategy = \"pooled\"\nchunk_size = 4"},
		{"Unknown level", "[log]\nlevel = \"verbose\""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvConfig, "")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)

	t.Setenv(EnvConfig, writeConfig(t, "strategy = \"pooled\"\n[[pool]]\nsize = 64\ncount = 2"))
	cfg, err = ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, StrategyPooled, cfg.Strategy)
	require.Equal(t, []PoolConfig{{Size: 64, Count: 2}}, cfg.Pools)
}

func TestNew(t *testing.T) {
	pools := []PoolConfig{{Min: 1, Max: 64, Count: 4}}
	quiet := LogConfig{Level: LogNone}

	t.Run("Passthrough", func(t *testing.T) {
		a, err := New(Config{Strategy: StrategyPassThrough, Log: quiet})
		require.NoError(t, err)
		require.IsType(t, &PassThrough{}, a)
		require.NoError(t, a.Close())
	})

	t.Run("Pooled", func(t *testing.T) {
		a, err := New(Config{Strategy: StrategyPooled, Pools: pools, Log: quiet})
		require.NoError(t, err)
		p, ok := a.(*Pooled)
		require.True(t, ok)
		require.IsType(t, &PassThrough{}, p.delegate)
		require.NoError(t, a.Close())
	})

	t.Run("Stats over pooled", func(t *testing.T) {
		a, err := New(Config{Strategy: StrategyStats, Delegate: StrategyPooled, Pools: pools, Log: quiet})
		require.NoError(t, err)
		s, ok := a.(*Statistics)
		require.True(t, ok)
		require.IsType(t, &Pooled{}, s.delegate)

		ptr, err := a.Malloc(10)
		require.NoError(t, err)
		require.True(t, s.delegate.(*Pooled).Owns(ptr))
		a.Free(ptr)
		require.NoError(t, a.Close())
	})

	t.Run("Stats over passthrough", func(t *testing.T) {
		a, err := New(Config{Strategy: StrategyStats, Pools: pools, Log: quiet})
		require.NoError(t, err)
		require.IsType(t, &PassThrough{}, a.(*Statistics).delegate)
		require.NoError(t, a.Close())
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := New(Config{Strategy: StrategyPooled})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestNewLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmalloc.log")
	a, err := New(Config{
		Strategy: StrategyPooled,
		Pools:    []PoolConfig{{Size: 16, Count: 1}},
		Log:      LogConfig{Level: LogInfo, Backend: BackendJSON, File: path},
	})
	require.NoError(t, err)
	_, ok := a.(Dumper)
	require.True(t, ok)
	require.NoError(t, a.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"pool statistics"`)
	require.Contains(t, string(b), `"strategy":"pooled"`)
}
