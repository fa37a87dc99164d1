// Package log provides human-friendly logging for cartoflow.
//
// Design: show what matters, hide what doesn't. One line per event.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log verbosity.
type Level int

const (
	LevelQuiet   Level = iota // Errors only
	LevelNormal               // Default - key events
	LevelVerbose              // Extra detail
	LevelDebug                // Everything
)

// ANSI color codes
const (
	reset  = "\033[0m"
	dim    = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	cyan   = "\033[36m"
)

// Symbols for quick visual scanning
const (
	symOK    = "+"
	symFail  = "!"
	symWarn  = "~"
	symInfo  = "-"
	symStart = ">"
	symDone  = "<"
)

// Logger writes leveled, symbol-prefixed lines.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	color  bool
	prefix string
}

var (
	std   = New(os.Stderr)
	stdMu sync.RWMutex
)

// New creates a logger.
func New(out io.Writer) *Logger {
	return &Logger{
		out:   out,
		level: LevelNormal,
		color: isTTY(out),
	}
}

// SetLevel sets the global log level.
func SetLevel(l Level) {
	stdMu.Lock()
	std.level = l
	stdMu.Unlock()
}

// SetOutput sets the global output.
func SetOutput(w io.Writer) {
	stdMu.Lock()
	std.out = w
	std.color = isTTY(w)
	stdMu.Unlock()
}

// WithPrefix returns a logger that prefixes every line.
func WithPrefix(prefix string) *Logger {
	stdMu.RLock()
	l := &Logger{
		out:    std.out,
		level:  std.level,
		color:  std.color,
		prefix: prefix,
	}
	stdMu.RUnlock()
	return l
}

// OK logs a success.
func OK(format string, args ...any) {
	std.log(LevelNormal, symOK, green, format, args...)
}

// Fail logs a failure.
func Fail(format string, args ...any) {
	std.log(LevelQuiet, symFail, red, format, args...)
}

// Warn logs a warning. Heads up, but not fatal.
func Warn(format string, args ...any) {
	std.log(LevelNormal, symWarn, yellow, format, args...)
}

// Info logs information.
func Info(format string, args ...any) {
	std.log(LevelNormal, symInfo, blue, format, args...)
}

// Start logs the beginning of something.
func Start(format string, args ...any) {
	std.log(LevelNormal, symStart, cyan, format, args...)
}

// Done logs completion.
func Done(format string, args ...any) {
	std.log(LevelNormal, symDone, green, format, args...)
}

// VInfo logs info only in verbose mode.
func VInfo(format string, args ...any) {
	std.log(LevelVerbose, symInfo, blue, format, args...)
}

// Debug logs debug info. Only when you're hunting bugs.
func Debug(format string, args ...any) {
	std.log(LevelDebug, " ", dim, format, args...)
}

// RunEvent captures the outcome of one script execution for logging.
type RunEvent struct {
	ScriptID    string
	ExecutionID string
	Status      string
	Duration    time.Duration
	Artifacts   int
}

// LogRun logs an execution result on one line.
func LogRun(e RunEvent) {
	dur := formatDuration(e.Duration)
	switch e.Status {
	case "success":
		OK("%s/%s: %d artifact(s) %s", e.ScriptID, e.ExecutionID, e.Artifacts, dur)
	case "timeout":
		Fail("%s/%s: timed out %s", e.ScriptID, e.ExecutionID, dur)
	default:
		Fail("%s/%s: %s %s", e.ScriptID, e.ExecutionID, e.Status, dur)
	}
}

// HTTPEvent represents a handled HTTP request.
type HTTPEvent struct {
	Method   string
	Path     string
	Status   int
	Duration time.Duration
}

// LogHTTP logs an HTTP request.
func LogHTTP(e HTTPEvent) {
	dur := formatDuration(e.Duration)
	switch {
	case e.Status >= 500:
		Fail("%s %s %d %s", e.Method, e.Path, e.Status, dur)
	case e.Status >= 400:
		Warn("%s %s %d %s", e.Method, e.Path, e.Status, dur)
	default:
		std.log(LevelVerbose, symInfo, dim, "%s %s %d %s", e.Method, e.Path, e.Status, dur)
	}
}

func (l *Logger) log(minLevel Level, sym, color, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.level < minLevel {
		return
	}

	msg := fmt.Sprintf(format, args...)

	var line string
	if l.color {
		prefix := ""
		if l.prefix != "" {
			prefix = dim + l.prefix + " " + reset
		}
		line = fmt.Sprintf("%s%s%s%s %s%s\n", prefix, color, sym, reset, msg, reset)
	} else {
		prefix := ""
		if l.prefix != "" {
			prefix = l.prefix + " "
		}
		line = fmt.Sprintf("%s%s %s\n", prefix, sym, msg)
	}

	l.out.Write([]byte(line))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%.0fus", float64(d.Microseconds()))
	case d < time.Second:
		return fmt.Sprintf("%.0fms", float64(d.Milliseconds()))
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
}

func isTTY(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		fi, err := f.Stat()
		if err != nil {
			return false
		}
		return fi.Mode()&os.ModeCharDevice != 0
	}
	return false
}
