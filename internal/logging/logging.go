// Package logging provides a small leveled, colorized console logger in
// the style used throughout this codebase: a package-level logger per
// level (I, D, W, E, T) with printf- and println-style methods.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level is a log verbosity level, ordered from least to most verbose.
type Level int

const (
	Fatal Level = iota
	Error
	Warn
	Info
	Debug
	Trace
)

func (l Level) String() string {
	switch l {
	case Fatal:
		return "fatal"
	case Error:
		return "error"
	case Warn:
		return "warn"
	case Info:
		return "info"
	case Debug:
		return "debug"
	case Trace:
		return "trace"
	default:
		return "unknown"
	}
}

// ParseLevel converts a textual level name into a Level. Unknown names
// default to Info.
func ParseLevel(s string) Level {
	switch s {
	case "fatal":
		return Fatal
	case "error":
		return Error
	case "warn":
		return Warn
	case "info":
		return Info
	case "debug":
		return Debug
	case "trace":
		return Trace
	default:
		return Info
	}
}

// Logger writes lines at a single fixed level, gated by the shared
// current verbosity.
type Logger struct {
	level Level
	tag   string
	color *color.Color
}

var (
	mu      sync.Mutex
	current = Info
	out     io.Writer = os.Stderr
)

// SetLevel adjusts the verbosity threshold shared by every Logger.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// SetOutput redirects where log lines are written. Tests use this to
// capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

func newLogger(level Level, c *color.Color) *Logger {
	return &Logger{level: level, tag: level.String(), color: c}
}

// Default per-level loggers, mirroring the F/W/T/E/D/I conventions used
// elsewhere in this codebase's ancestry.
var (
	T = newLogger(Trace, color.New(color.FgHiBlack))
	D = newLogger(Debug, color.New(color.FgCyan))
	I = newLogger(Info, color.New(color.FgGreen))
	W = newLogger(Warn, color.New(color.FgYellow))
	E = newLogger(Error, color.New(color.FgRed))
)

func (l *Logger) enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return l.level <= current
}

func (l *Logger) write(line string) {
	mu.Lock()
	defer mu.Unlock()
	prefix := fmt.Sprintf("%s [%s] ", time.Now().Format("15:04:05.000"), l.tag)
	if f, ok := out.(*os.File); ok && color.NoColor == false && isTerminal(f) {
		prefix = l.color.Sprint(prefix)
	}
	fmt.Fprint(out, prefix, line)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		fmt.Fprintln(out)
	}
}

// F writes a printf-style formatted line at this logger's level.
func (l *Logger) F(format string, args ...any) {
	if !l.enabled() {
		return
	}
	l.write(fmt.Sprintf(format, args...))
}

// Ln writes its arguments space-separated, like fmt.Sprintln, at this
// logger's level.
func (l *Logger) Ln(args ...any) {
	if !l.enabled() {
		return
	}
	l.write(fmt.Sprintln(args...))
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
