// Package logging provides the leveled, key=value logger used throughout
// tpudrv. It wraps the standard library's log.Logger rather than pulling in
// a third-party logging framework, matching the teacher's own choice: none
// of the retrieved corpus reaches for one either.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
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
		return "UNKNOWN"
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Logger wraps stdlib log with level support and a fixed set of key=value
// fields carried forward by With*.
type Logger struct {
	logger *log.Logger
	level  LogLevel
	mu     sync.Mutex
	fields []any
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  config.Level,
	}
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// WithDevice returns a derived logger that adds the chip/driver instance id
// as a device_id=<id> field to every line, e.g. for multi-chip hosts.
func (l *Logger) WithDevice(deviceID int) *Logger {
	return l.with("device_id", deviceID)
}

// WithRequest returns a derived logger scoped to one in-flight request.
func (l *Logger) WithRequest(requestID int32, op string) *Logger {
	return l.with("request_id", requestID, "op", op)
}

// WithError returns a derived logger that appends the error to every line.
func (l *Logger) WithError(err error) *Logger {
	return l.with("err", err)
}

func (l *Logger) with(kv ...any) *Logger {
	fields := make([]any, 0, len(l.fields)+len(kv))
	fields = append(fields, l.fields...)
	fields = append(fields, kv...)
	return &Logger{logger: l.logger, level: l.level, fields: fields}
}

func formatArgs(fields, args []any) string {
	all := make([]any, 0, len(fields)+len(args))
	all = append(all, fields...)
	all = append(all, args...)
	if len(all) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(all); i += 2 {
		if i+1 < len(all) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", all[i], all[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("[%s] %s%s", level, msg, formatArgs(l.fields, args))
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// Debugf/Infof/Warnf/Errorf are printf-style equivalents for callers that
// already have a formatted string (e.g. wrapping an existing error message).
func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, fmt.Sprintf(format, args...)) }

// Printf satisfies the driver's optional Logger contract for callers that
// only want an unleveled sink.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
