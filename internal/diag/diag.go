// Package diag carries warnings and errors raised by LTO backends to whoever
// constructed the LTO compiler.
package diag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fatih/color"
)

type Severity int

const (
	Note Severity = iota
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Note:
		return "note"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Diagnostic is one message. Unit is the compilation unit it belongs to, or
// -1 when it is not tied to a unit.
type Diagnostic struct {
	Severity Severity
	Unit     int
	Message  string
}

func (d Diagnostic) String() string {
	if d.Unit < 0 {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: unit %d: %s", d.Severity, d.Unit, d.Message)
}

// Sink receives diagnostics. Backends call Report from worker goroutines, so
// implementations must be safe for concurrent use.
type Sink interface {
	Report(d Diagnostic)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(d Diagnostic)

func (f SinkFunc) Report(d Diagnostic) { f(d) }

type logSink struct {
	logger *slog.Logger
}

// NewLogSink forwards diagnostics to logger at the matching level.
func NewLogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &logSink{logger: logger}
}

func (s *logSink) Report(d Diagnostic) {
	level := slog.LevelInfo
	switch d.Severity {
	case Warning:
		level = slog.LevelWarn
	case Error:
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, d.Message, slog.Int("unit", d.Unit))
}

// Console prints diagnostics to a writer, coloring the severity.
type Console struct {
	mu  sync.Mutex
	w   io.Writer
	tag string
}

// NewConsole returns a Console that prefixes every line with tag.
func NewConsole(w io.Writer, tag string) *Console {
	return &Console{w: w, tag: tag}
}

func (c *Console) Report(d Diagnostic) {
	var sev string
	switch d.Severity {
	case Error:
		sev = color.RedString("%s", d.Severity)
	case Warning:
		sev = color.YellowString("%s", d.Severity)
	default:
		sev = color.CyanString("%s", d.Severity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if d.Unit < 0 {
		fmt.Fprintf(c.w, "%s: %s: %s\n", c.tag, sev, d.Message)
		return
	}
	fmt.Fprintf(c.w, "%s: %s: unit %d: %s\n", c.tag, sev, d.Unit, d.Message)
}

// Collector keeps every diagnostic in arrival order.
type Collector struct {
	mu    sync.Mutex
	diags []Diagnostic
}

func (c *Collector) Report(d Diagnostic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diags = append(c.diags, d)
}

// Diagnostics returns a copy of what was collected.
func (c *Collector) Diagnostics() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Diagnostic(nil), c.diags...)
}

// Count returns how many diagnostics of severity sev were collected.
func (c *Collector) Count(sev Severity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.diags {
		if d.Severity == sev {
			n++
		}
	}
	return n
}

// Tee reports to every sink in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(d Diagnostic) {
		for _, s := range sinks {
			s.Report(d)
		}
	})
}
