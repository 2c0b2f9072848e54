// Package log provides the leveled, key-value structured logger used
// throughout the reactor. Calls look like:
//
//	log.Warn("peer stalling, dropping", "addr", addr, "waited", waited)
//
// and are routed through a colorized terminal handler when stderr is a
// TTY, or a plain key=value handler otherwise.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level mirrors the small fixed set of severities the rest of the module
// logs at. It's distinct from slog.Level so call sites never import slog
// directly.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRCE"
	case LevelDebug:
		return "DBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "EROR"
	case LevelCrit:
		return "CRIT"
	default:
		return "????"
	}
}

func (l Level) slogLevel() slog.Level {
	// Trace and Crit have no direct slog equivalent: Trace sits one step
	// below slog.LevelDebug and Crit folds into slog.LevelError; our own
	// handler does the rendering.
	switch l {
	case LevelTrace:
		return slog.LevelDebug - 4
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError, LevelCrit:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger is the interface every reactor component logs through. It is
// satisfied by *Handler and is small enough that tests can supply a no-op
// or recording stub.
type Logger interface {
	Trace(msg string, kv ...any)
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Crit(msg string, kv ...any)
	With(kv ...any) Logger
}

// Handler is the default Logger implementation, writing leveled,
// key-value lines to an io.Writer.
type Handler struct {
	out   io.Writer
	color bool
	min   Level
	ctx   []any
}

// New builds a Handler writing to w. If w is an *os.File (such as
// os.Stderr) it wraps it with go-colorable so ANSI sequences render
// correctly on Windows consoles too, and colorizes level prefixes with
// fatih/color when the stream is actually a terminal.
func New(w io.Writer, min Level) *Handler {
	h := &Handler{out: w, min: min}
	if f, ok := w.(*os.File); ok {
		h.out = colorable.NewColorable(f)
		h.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return h
}

// Default is a Handler writing Info-and-above to stderr, used by the
// package-level convenience functions.
var Default Logger = New(os.Stderr, LevelInfo)

func Trace(msg string, kv ...any) { Default.Trace(msg, kv...) }
func Debug(msg string, kv ...any) { Default.Debug(msg, kv...) }
func Info(msg string, kv ...any)  { Default.Info(msg, kv...) }
func Warn(msg string, kv ...any)  { Default.Warn(msg, kv...) }
func Error(msg string, kv ...any) { Default.Error(msg, kv...) }
func Crit(msg string, kv ...any)  { Default.Crit(msg, kv...) }

func (h *Handler) Trace(msg string, kv ...any) { h.log(LevelTrace, msg, kv) }
func (h *Handler) Debug(msg string, kv ...any) { h.log(LevelDebug, msg, kv) }
func (h *Handler) Info(msg string, kv ...any)  { h.log(LevelInfo, msg, kv) }
func (h *Handler) Warn(msg string, kv ...any)  { h.log(LevelWarn, msg, kv) }
func (h *Handler) Error(msg string, kv ...any) { h.log(LevelError, msg, kv) }
func (h *Handler) Crit(msg string, kv ...any)  { h.log(LevelCrit, msg, kv) }

// With returns a Logger that prepends kv to every subsequent call,
// matching the teacher's per-peer "peer.log" sub-logger convention.
func (h *Handler) With(kv ...any) Logger {
	return &Handler{
		out:   h.out,
		color: h.color,
		min:   h.min,
		ctx:   append(append([]any{}, h.ctx...), kv...),
	}
}

func (h *Handler) log(lvl Level, msg string, kv []any) {
	if lvl < h.min {
		return
	}
	ts := time.Now().Format("01-02|15:04:05.000")
	prefix := lvl.String()
	if h.color {
		prefix = levelColor(lvl).Sprint(prefix)
	}
	fmt.Fprintf(h.out, "%s[%s] %s", prefix, ts, msg)
	all := append(append([]any{}, h.ctx...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(h.out, " %v=%v", all[i], all[i+1])
	}
	if len(all)%2 == 1 {
		fmt.Fprintf(h.out, " %v=MISSING", all[len(all)-1])
	}
	fmt.Fprintln(h.out)
	if lvl == LevelCrit {
		os.Exit(1)
	}
}

// Spew renders v as a deep, field-by-field dump, including unexported
// fields. Intended for Trace-level logging of structures whose %v/String()
// would otherwise hide the detail a debugging session actually needs.
func Spew(v interface{}) string {
	return spew.Sdump(v)
}

func levelColor(l Level) *color.Color {
	switch l {
	case LevelTrace:
		return color.New(color.FgHiBlack)
	case LevelDebug:
		return color.New(color.FgBlue)
	case LevelInfo:
		return color.New(color.FgGreen)
	case LevelWarn:
		return color.New(color.FgYellow)
	case LevelError:
		return color.New(color.FgRed)
	case LevelCrit:
		return color.New(color.FgHiRed, color.Bold)
	default:
		return color.New()
	}
}

// slogHandler adapts Handler to slog.Handler so packages that prefer the
// stdlib structured-logging interface (e.g. third-party libraries taking
// a slog.Handler option) can still funnel into the same output stream.
type slogHandler struct {
	h *Handler
}

// AsSlog exposes h as an slog.Handler.
func AsSlog(h *Handler) slog.Handler { return &slogHandler{h: h} }

func (s *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= s.h.min.slogLevel()
}

func (s *slogHandler) Handle(_ context.Context, r slog.Record) error {
	kv := make([]any, 0, r.NumAttrs()*2)
	r.Attrs(func(a slog.Attr) bool {
		kv = append(kv, a.Key, a.Value.Any())
		return true
	})
	lvl := LevelInfo
	switch {
	case r.Level >= slog.LevelError:
		lvl = LevelError
	case r.Level >= slog.LevelWarn:
		lvl = LevelWarn
	case r.Level >= slog.LevelInfo:
		lvl = LevelInfo
	default:
		lvl = LevelDebug
	}
	s.h.log(lvl, r.Message, kv)
	return nil
}

func (s *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	kv := make([]any, 0, len(attrs)*2)
	for _, a := range attrs {
		kv = append(kv, a.Key, a.Value.Any())
	}
	return &slogHandler{h: s.h.With(kv...).(*Handler)}
}

func (s *slogHandler) WithGroup(_ string) slog.Handler { return s }
