package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// dynamicWriter forwards writes to stderr and optionally to a secondary
// writer (e.g. a logbuf.LogBuf). It is safe for concurrent use.
type dynamicWriter struct {
	mu      sync.RWMutex
	primary io.Writer
	second  io.Writer
}

func (dw *dynamicWriter) Write(p []byte) (int, error) {
	dw.mu.RLock()
	primary, second := dw.primary, dw.second
	dw.mu.RUnlock()
	n, err := primary.Write(p)
	if second != nil {
		second.Write(p) //nolint:errcheck
	}
	return n, err
}

var gw = &dynamicWriter{primary: os.Stderr}

// Init installs the process-wide slog logger. level is debug, info, warn or
// error; an empty level falls back to LOG_LEVEL and then to info. Output is
// colored only when stderr is a terminal.
func Init(level string) {
	if strings.TrimSpace(level) == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	h := NewPrettyHandler(gw, ParseLevel(level), !color.NoColor)
	slog.SetDefault(slog.New(h))
}

// SetLogBuf adds a secondary write target so that log output is also sent to w
// (typically a *logbuf.LogBuf). Pass nil to clear the secondary target.
func SetLogBuf(w io.Writer) {
	gw.mu.Lock()
	gw.second = w
	gw.mu.Unlock()
}

// setPrimary swaps stderr for w; tests use it to silence output.
func setPrimary(w io.Writer) {
	gw.mu.Lock()
	gw.primary = w
	gw.mu.Unlock()
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewUnitLogger builds the structured JSON logger used inside a unit child
// process. Each line carries the task id and attempt so a per-task log file
// can be grepped after restarts.
func NewUnitLogger(w io.Writer, level string, id int64, attempt int) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var lvl zapcore.Level
	switch ParseLevel(level) {
	case slog.LevelDebug:
		lvl = zapcore.DebugLevel
	case slog.LevelWarn:
		lvl = zapcore.WarnLevel
	case slog.LevelError:
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), lvl)
	return zap.New(core).With(zap.Int64("task", id), zap.Int("attempt", attempt))
}
