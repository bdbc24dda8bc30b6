package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps debug, info, warn and error to a Level. Unknown names
// fall back to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger appends timestamped lines to logs/compliance.log so operators can
// inspect failures after the process exits. Lines may also be mirrored to a
// second writer such as stderr.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	mirror io.Writer
	level  Level
	clock  func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithLevel drops lines below level.
func WithLevel(level Level) Option {
	return func(l *Logger) {
		l.level = level
	}
}

// WithMirror copies every line to w.
func WithMirror(w io.Writer) Option {
	return func(l *Logger) {
		l.mirror = w
	}
}

// WithClock overrides timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Logger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New creates (or reuses) compliance.log under logDir.
func New(logDir string, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "compliance.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	l := &Logger{file: f, level: LevelInfo, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes an info line. It satisfies the narrow Logger interfaces the
// other packages accept.
func (l *Logger) Printf(format string, args ...any) {
	l.write(LevelInfo, format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.write(LevelDebug, format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.write(LevelInfo, format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.write(LevelWarn, format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.write(LevelError, format, args...)
}

func (l *Logger) write(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	line := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := fmt.Sprintf("[%s] %-5s %s\n", l.clock().Format(time.RFC3339), level, line)
	if l.file != nil {
		_, _ = io.WriteString(l.file, entry)
	}
	if l.mirror != nil {
		_, _ = io.WriteString(l.mirror, entry)
	}
}
