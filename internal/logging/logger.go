// Package logging writes the daemon's append-only event streams. Each
// subsystem gets its own stream; every event is one line of the form
//
//	[2006-01-02 15:04:05] [Subsystem] LEVEL: message
//
// File-backed streams are rotated by lumberjack.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lilith-daemons/internal/clock"
)

// Level is the severity of a log line.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the token written into log lines.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(name string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

const timestampLayout = "2006-01-02 15:04:05"

// Options controls rotation and mirroring of a file-backed stream.
type Options struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Console    bool
	Level      Level
}

// Logger is a single subsystem's log stream. Safe for concurrent use.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	closer    io.Closer
	subsystem string
	minLevel  Level
	clock     clock.Clock
}

// New returns a Logger writing to w. The caller owns w.
func New(w io.Writer, subsystem string) *Logger {
	return &Logger{
		out:       w,
		subsystem: subsystem,
		minLevel:  LevelInfo,
		clock:     clock.Real(),
	}
}

// Open creates dir if needed and returns a Logger appending to
// dir/filename with size-based rotation.
func Open(dir, filename, subsystem string, opts Options) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, filename),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}

	var out io.Writer = rotator
	if opts.Console {
		out = io.MultiWriter(rotator, os.Stdout)
	}

	return &Logger{
		out:       out,
		closer:    rotator,
		subsystem: subsystem,
		minLevel:  opts.Level,
		clock:     clock.Real(),
	}, nil
}

// Discard returns a Logger that drops everything.
func Discard(subsystem string) *Logger {
	return New(io.Discard, subsystem)
}

// SetLevel sets the minimum level that is written.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetClock replaces the timestamp source.
func (l *Logger) SetClock(c clock.Clock) {
	l.mu.Lock()
	l.clock = c
	l.mu.Unlock()
}

// Subsystem returns the name written in every line.
func (l *Logger) Subsystem() string {
	return l.subsystem
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args...) }

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.minLevel {
		return
	}

	msg := fmt.Sprintf(format, args...)
	// Keep one event per line.
	msg = strings.ReplaceAll(msg, "\n", " ")

	line := fmt.Sprintf("[%s] [%s] %s: %s\n",
		l.clock.Now().Format(timestampLayout), l.subsystem, level, msg)

	if _, err := io.WriteString(l.out, line); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write %s log entry: %v\n", l.subsystem, err)
	}
}

// Close releases the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}
