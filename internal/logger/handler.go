package logger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// PrettyHandler is a slog.Handler that produces human-readable log lines:
//
//	15:04:05.000  INFO   task started          id=3 attempt=1
//
// Colors come from fatih/color and are only applied when enabled.
type PrettyHandler struct {
	level slog.Leveler
	w     io.Writer
	pal   *palette
	mu    *sync.Mutex
	attrs []slog.Attr
	group string
}

// palette is nil when color is disabled.
type palette struct {
	dim, bold                *color.Color
	debug, info, warn, error *color.Color
}

func newPalette() *palette {
	p := &palette{
		dim:   color.New(color.Faint),
		bold:  color.New(color.Bold),
		debug: color.New(color.FgHiBlack),
		info:  color.New(color.FgCyan),
		warn:  color.New(color.FgYellow),
		error: color.New(color.FgRed),
	}
	// The handler decides on color itself, independent of fatih/color's
	// terminal detection.
	for _, c := range []*color.Color{p.dim, p.bold, p.debug, p.info, p.warn, p.error} {
		c.EnableColor()
	}
	return p
}

func (p *palette) level(l slog.Level) *color.Color {
	switch {
	case l >= slog.LevelError:
		return p.error
	case l >= slog.LevelWarn:
		return p.warn
	case l >= slog.LevelInfo:
		return p.info
	default:
		return p.debug
	}
}

// NewPrettyHandler returns a handler writing to w at or above level.
func NewPrettyHandler(w io.Writer, level slog.Leveler, useColor bool) *PrettyHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	h := &PrettyHandler{level: level, w: w, mu: &sync.Mutex{}}
	if useColor {
		h.pal = newPalette()
	}
	return h
}

func (h *PrettyHandler) paint(c func(*palette) *color.Color, s string) string {
	if h.pal == nil {
		return s
	}
	return c(h.pal).Sprint(s)
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	buf.WriteString(h.paint(func(p *palette) *color.Color { return p.dim }, r.Time.Format("15:04:05.000")))
	buf.WriteString("  ")
	buf.WriteString(h.paint(func(p *palette) *color.Color { return p.level(r.Level) }, fmt.Sprintf("%-5s", r.Level.String())))
	buf.WriteString("  ")
	buf.WriteString(h.paint(func(p *palette) *color.Color { return p.bold }, r.Message))

	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		attrs = append(attrs, a)
		return true
	})
	for _, a := range attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Key)
		buf.WriteByte('=')
		buf.WriteString(formatValue(a.Value))
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

// WithAttrs qualifies attrs with the current group at the time they are
// attached, so later WithGroup calls do not rename them.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(next.attrs, h.attrs)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return &next
}

// formatValue renders v, quoting strings that contain separators or are empty.
func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return quoteIfNeeded(v.String())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format("15:04:05.000")
	case slog.KindGroup:
		parts := make([]string, 0, len(v.Group()))
		for _, a := range v.Group() {
			parts = append(parts, a.Key+"="+formatValue(a.Value))
		}
		return strings.Join(parts, " ")
	default:
		return quoteIfNeeded(fmt.Sprintf("%v", v.Any()))
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \"=\n\t") {
		return strconv.Quote(s)
	}
	return s
}
