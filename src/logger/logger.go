package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level is the severity of a log message.
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

var levelColors = map[Level]string{
	DEBUG: "\033[36m", // cyan
	INFO:  "\033[32m", // green
	WARN:  "\033[33m", // yellow
	ERROR: "\033[31m", // red
}

// Logger is a leveled printf-style logger with optional colored output and a
// per-component prefix.
type Logger struct {
	mu     sync.RWMutex
	level  Level
	colors bool
	prefix string
	out    *log.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init configures the default logger from the environment:
//   - LOG_LEVEL: DEBUG, INFO, WARN or ERROR (default INFO)
//   - LOG_COLOR: set to "false" or "0" to disable ANSI colors
func Init() {
	once.Do(func() {
		level := INFO
		switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
		case "DEBUG":
			level = DEBUG
		case "WARN", "WARNING":
			level = WARN
		case "ERROR":
			level = ERROR
		}

		colors := true
		if v := os.Getenv("LOG_COLOR"); v == "false" || v == "0" {
			colors = false
		}

		defaultLogger = New(level, os.Stdout, colors, "")
	})
}

// New creates a Logger writing to output at the given minimum level.
func New(level Level, output io.Writer, colors bool, prefix string) *Logger {
	return &Logger{
		level:  level,
		colors: colors,
		prefix: prefix,
		out:    log.New(output, "", log.LstdFlags),
	}
}

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// GetLevel returns the current minimum level.
func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// IsLevelEnabled reports whether messages at level would be emitted.
func (l *Logger) IsLevelEnabled(level Level) bool {
	return level >= l.GetLevel()
}

// WithPrefix returns a logger that tags every message with prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:  l.level,
		colors: l.colors,
		prefix: prefix,
		out:    l.out,
	}
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if !l.IsLevelEnabled(level) {
		return
	}

	msg := fmt.Sprintf(format, args...)

	var line string
	switch {
	case l.colors && l.prefix != "":
		line = fmt.Sprintf("%s[%s]\033[0m [%s] %s", levelColors[level], level, l.prefix, msg)
	case l.colors:
		line = fmt.Sprintf("%s[%s]\033[0m %s", levelColors[level], level, msg)
	case l.prefix != "":
		line = fmt.Sprintf("[%s] [%s] %s", level, l.prefix, msg)
	default:
		line = fmt.Sprintf("[%s] %s", level, msg)
	}

	l.out.Output(3, line)
}

func (l *Logger) Debug(format string, args ...interface{}) { l.log(DEBUG, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(INFO, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.log(WARN, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.log(ERROR, format, args...) }

// GetDefault returns the default logger, initializing it if needed.
func GetDefault() *Logger {
	if defaultLogger == nil {
		Init()
	}
	return defaultLogger
}

// SetLevel sets the minimum level on the default logger.
func SetLevel(level Level) { GetDefault().SetLevel(level) }

// IsDebugEnabled reports whether the default logger emits DEBUG messages.
func IsDebugEnabled() bool { return GetDefault().IsLevelEnabled(DEBUG) }

// WithPrefix returns a prefixed logger derived from the default logger.
func WithPrefix(prefix string) *Logger { return GetDefault().WithPrefix(prefix) }

func Debug(format string, args ...interface{}) { GetDefault().log(DEBUG, format, args...) }
func Info(format string, args ...interface{})  { GetDefault().log(INFO, format, args...) }
func Warn(format string, args ...interface{})  { GetDefault().log(WARN, format, args...) }
func Error(format string, args ...interface{}) { GetDefault().log(ERROR, format, args...) }
