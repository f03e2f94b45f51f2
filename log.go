package pmalloc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unsafe"
)

// LogLevel gates operation logging. Levels are ordered from quietest to most
// verbose.
type LogLevel int

const (
	LogNone LogLevel = iota
	LogError
	LogInfo
	LogTrace // Every operation, with timing.
	LogDebug
)

const (
	slogLevelTrace = slog.LevelDebug
	slogLevelDebug = slog.LevelDebug - 4
)

func (l LogLevel) String() string {
	switch l {
	case LogNone:
		return "none"
	case LogError:
		return "error"
	case LogInfo:
		return "info"
	case LogTrace:
		return "trace"
	case LogDebug:
		return "debug"
	default:
		return fmt.Sprintf("LogLevel(%d)", l)
	}
}

// ParseLogLevel parses a level name as produced by LogLevel.String.
func ParseLogLevel(s string) (LogLevel, error) {
	for l := LogNone; l <= LogDebug; l++ {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return LogNone, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LogLevel) UnmarshalText(text []byte) error {
	level, err := ParseLogLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogError:
		return slog.LevelError
	case LogInfo:
		return slog.LevelInfo
	case LogTrace:
		return slogLevelTrace
	default:
		return slogLevelDebug
	}
}

const (
	BackendText    = "text"
	BackendJSON    = "json"
	BackendDiscard = "discard"
)

// NewLogger returns a logger writing to w in the given backend format, gated
// at level. LogNone and BackendDiscard produce a logger that drops everything.
func NewLogger(w io.Writer, backend string, level LogLevel) (*slog.Logger, error) {
	if level == LogNone {
		backend = BackendDiscard
	}
	opts := &slog.HandlerOptions{Level: level.slogLevel()}
	switch backend {
	case BackendText, "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case BackendJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case BackendDiscard:
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})), nil
	default:
		return nil, fmt.Errorf("unknown log backend %q", backend)
	}
}

// opLogger emits one trace record per allocator operation. Timing starts only
// when trace logging is enabled, so a disabled logger costs one level check.
type opLogger struct {
	logger *slog.Logger
}

func newOpLogger(logger *slog.Logger, strategy string) opLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return opLogger{logger: logger.With("strategy", strategy)}
}

func (o opLogger) begin() time.Time {
	if !o.logger.Enabled(context.Background(), slogLevelTrace) {
		return time.Time{}
	}
	return time.Now()
}

func (o opLogger) end(op string, start time.Time, ptr unsafe.Pointer, err error, delegated bool, args ...slog.Attr) {
	if start.IsZero() {
		return
	}
	elapsed := time.Since(start)
	attrs := append(args,
		slog.Any("result", ptrValue(ptr)),
		slog.Bool("delegated", delegated),
		slog.Int64("elapsed_ns", elapsed.Nanoseconds()),
	)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	o.logger.LogAttrs(context.Background(), slogLevelTrace, op, attrs...)
}

func sizeAttr(size uintptr) slog.Attr {
	return slog.Uint64("size", uint64(size))
}

func ptrAttr(ptr unsafe.Pointer) slog.Attr {
	return slog.Any("ptr", ptrValue(ptr))
}

// ptrVal defers formatting a pointer until a record is actually emitted.
type ptrVal uintptr

func ptrValue(p unsafe.Pointer) ptrVal {
	return ptrVal(uintptr(p))
}

func (p ptrVal) LogValue() slog.Value {
	return slog.StringValue("0x" + strconv.FormatUint(uint64(p), 16))
}
