// Package logging provides the leveled, prefixed logger used by every
// package in this module, from the segment manager up through the FUSE
// frontend.
package logging

import (
	"fmt"
	"log"
	"os"
	"sync"

	"usvfscore/internal/params"
)

// LogLevel is a logging-local verbosity level, finer-grained than
// params.LogLevel (it adds Trace below Debug for the very chatty
// path-resolution and container tracing calls).
type LogLevel int

const (
	// LevelFatal logs only fatal conditions.
	LevelFatal LogLevel = iota
	// LevelError logs errors and above.
	LevelError
	// LevelWarn logs warnings and above.
	LevelWarn
	// LevelInfo logs general information and above.
	LevelInfo
	// LevelDebug logs detailed debug information and above.
	LevelDebug
	// LevelTrace logs very detailed trace information and above.
	LevelTrace
)

var levelNames = map[LogLevel]string{
	LevelFatal: "FATAL",
	LevelError: "ERROR",
	LevelWarn:  "WARN",
	LevelInfo:  "INFO",
	LevelDebug: "DEBUG",
	LevelTrace: "TRACE",
}

// FromParams maps the cross-process params.LogLevel onto the logging
// package's finer-grained scale (Trace has no external equivalent, so it
// is only ever reached via SetLevel(LevelTrace) directly, never from a
// published Parameters value).
func FromParams(l params.LogLevel) LogLevel {
	switch l {
	case params.LogDebug:
		return LevelDebug
	case params.LogInfo:
		return LevelInfo
	case params.LogWarn:
		return LevelWarn
	case params.LogError:
		return LevelError
	case params.LogFatal:
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Logger provides structured, leveled logging.
type Logger struct {
	mu     sync.RWMutex
	level  LogLevel
	prefix string
	logger *log.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// GetLogger returns the process-wide default logger instance.
func GetLogger() *Logger {
	once.Do(func() {
		defaultLogger = NewLogger("USVFS")

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			switch level {
			case "FATAL":
				defaultLogger.SetLevel(LevelFatal)
			case "ERROR":
				defaultLogger.SetLevel(LevelError)
			case "WARN":
				defaultLogger.SetLevel(LevelWarn)
			case "INFO":
				defaultLogger.SetLevel(LevelInfo)
			case "DEBUG":
				defaultLogger.SetLevel(LevelDebug)
			case "TRACE":
				defaultLogger.SetLevel(LevelTrace)
			}
		}

		if os.Getenv("USVFS_DEBUG") != "" {
			defaultLogger.SetLevel(LevelDebug)
		}
	})
	return defaultLogger
}

// NewLogger creates a new logger with the given prefix.
func NewLogger(prefix string) *Logger {
	flags := log.Ldate | log.Ltime | log.Lmicroseconds | log.LUTC
	if os.Getenv("LOG_LONGFILE") != "" {
		flags |= log.Llongfile
	} else {
		flags |= log.Lshortfile
	}

	return &Logger{
		level:  LevelInfo,
		prefix: prefix,
		logger: log.New(os.Stdout, prefix+": ", flags),
	}
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level <= l.level
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if !l.shouldLog(level) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if err := l.logger.Output(3, fmt.Sprintf("[%s] %s", levelNames[level], msg)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write log message: %v\n", err)
	}
}

// Fatal logs a fatal message. It does not exit the process — the core
// never terminates its host on its own.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(LevelFatal, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Trace logs a trace message.
func (l *Logger) Trace(format string, args ...interface{}) {
	l.log(LevelTrace, format, args...)
}

// WithPrefix creates a derived logger that writes through the same
// destination but tags its lines with an additional prefix, inheriting
// the parent's current level.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return &Logger{
		logger: log.New(l.logger.Writer(), l.logger.Prefix()+prefix+": ", l.logger.Flags()),
		prefix: prefix,
		level:  l.level,
	}
}
