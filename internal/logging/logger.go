package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger defines a minimal, printf-style logging contract. Components depend
// on this interface rather than a concrete logger so tests can substitute a
// no-op implementation.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

// fileLogger provides structured logging to relay-debug.log with an optional
// component prefix.
type fileLogger struct {
	mu        sync.Mutex
	out       *log.Logger
	level     Level
	component string
}

var (
	rootOnce sync.Once
	rootOut  *log.Logger
)

func rootOutput() *log.Logger {
	rootOnce.Do(func() {
		dir := os.Getenv("RELAY_LOG_DIR")
		if dir == "" {
			if home, err := os.UserHomeDir(); err == nil {
				dir = home
			}
		}
		path := filepath.Join(dir, "relay-debug.log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Printf("failed to open log file %s: %v", path, err)
			rootOut = log.New(os.Stderr, "", 0)
			return
		}
		rootOut = log.New(file, "", 0)
	})
	return rootOut
}

// NewComponentLogger creates a logger for a specific component. All component
// loggers share the process-wide log file.
func NewComponentLogger(component string) Logger {
	level := INFO
	if os.Getenv("RELAY_DEBUG") != "" {
		level = DEBUG
	}
	return &fileLogger{
		out:       rootOutput(),
		level:     level,
		component: component,
	}
}

func (l *fileLogger) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	prefix := ""
	if l.component != "" {
		prefix = fmt.Sprintf("[%s] ", l.component)
	}
	line := fmt.Sprintf("%s [%s] %s%s",
		time.Now().Format("2006-01-02 15:04:05.000"), level, prefix, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Println(line)
}

func (l *fileLogger) Debug(format string, args ...any) { l.logf(DEBUG, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.logf(INFO, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.logf(WARN, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.logf(ERROR, format, args...) }
