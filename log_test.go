package pmalloc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	for l := LogNone; l <= LogDebug; l++ {
		got, err := ParseLogLevel(strings.ToUpper(l.String()))
		require.NoError(t, err)
		require.Equal(t, l, got)
	}
	_, err := ParseLogLevel("verbose")
	require.Error(t, err)
	require.Equal(t, "LogLevel(9)", LogLevel(9).String())
}

func TestNewLoggerLevels(t *testing.T) {
	testCases := []struct {
		level LogLevel
		error bool
		info  bool
		trace bool
		debug bool
	}{
		{LogNone, false, false, false, false},
		{LogError, true, false, false, false},
		{LogInfo, true, true, false, false},
		{LogTrace, true, true, true, false},
		{LogDebug, true, true, true, true},
	}
	for _, tc := range testCases {
		t.Run(tc.level.String(), func(t *testing.T) {
			var b bytes.Buffer
			logger, err := NewLogger(&b, BackendText, tc.level)
			require.NoError(t, err)
			ctx := t.Context()
			require.Equal(t, tc.error, logger.Enabled(ctx, LogError.slogLevel()))
			require.Equal(t, tc.info, logger.Enabled(ctx, LogInfo.slogLevel()))
			require.Equal(t, tc.trace, logger.Enabled(ctx, slogLevelTrace))
			require.Equal(t, tc.debug, logger.Enabled(ctx, slogLevelDebug))
		})
	}

	_, err := NewLogger(&bytes.Buffer{}, "syslog", LogInfo)
	require.Error(t, err)
}

func TestOpLogger(t *testing.T) {
	var b bytes.Buffer
	logger, err := NewLogger(&b, BackendJSON, LogTrace)
	require.NoError(t, err)
	o := newOpLogger(logger, StrategyPooled)

	var x [16]byte
	start := o.begin()
	require.False(t, start.IsZero())
	o.end("malloc", start, unsafe.Pointer(&x), errors.New("boom"), true, sizeAttr(16))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(b.Bytes(), &rec))
	require.Equal(t, "malloc", rec["msg"])
	require.Equal(t, StrategyPooled, rec["strategy"])
	require.Equal(t, float64(16), rec["size"])
	require.Equal(t, true, rec["delegated"])
	require.Equal(t, "boom", rec["error"])
	require.True(t, strings.HasPrefix(rec["result"].(string), "0x"))
	require.Contains(t, rec, "elapsed_ns")
}

func TestPtrValueFormat(t *testing.T) {
	var x [16]byte
	for _, p := range []unsafe.Pointer{nil, unsafe.Pointer(&x), unsafe.Pointer(&x[9])} {
		require.Equal(t, fmt.Sprintf("%p", p), ptrValue(p).LogValue().String())
	}
}

func TestOpLoggerDisabled(t *testing.T) {
	var b bytes.Buffer
	logger, err := NewLogger(&b, BackendText, LogInfo)
	require.NoError(t, err)
	o := newOpLogger(logger, StrategyPassThrough)

	start := o.begin()
	require.True(t, start.IsZero())
	o.end("free", start, nil, nil, true)
	o.end("free", time.Time{}, nil, nil, true)
	require.Zero(t, b.Len())
}

func TestPassThroughTraceLogging(t *testing.T) {
	var b bytes.Buffer
	logger, err := NewLogger(&b, BackendText, LogTrace)
	require.NoError(t, err)
	a := NewPassThrough(logger)

	ptr, err := a.Malloc(24)
	require.NoError(t, err)
	a.Free(ptr)

	out := b.String()
	require.Contains(t, out, "msg=malloc")
	require.Contains(t, out, "size=24")
	require.Contains(t, out, "msg=free")
	require.Contains(t, out, "strategy=passthrough")
}
