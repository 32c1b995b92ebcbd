package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	// DEBUG level for turn transitions and frame traces
	DEBUG LogLevel = iota
	// INFO level for session and worker lifecycle
	INFO
	// WARN level for best-effort failures
	WARN
	// ERROR level for aborted turns and sessions
	ERROR
)

var (
	levelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
	}

	levelColors = map[LogLevel]string{
		DEBUG: "\033[36m", // Cyan
		INFO:  "\033[32m", // Green
		WARN:  "\033[33m", // Yellow
		ERROR: "\033[31m", // Red
	}
)

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LogLevel(%d)", int(l))
}

// ParseLevel accepts debug, info, warn, warning and error in any case.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// Config selects how the default logger writes.
type Config struct {
	Level  LogLevel
	Colors bool
	Output io.Writer
}

// Logger is a levelled logger that tags lines with a component prefix.
// Loggers derived with WithPrefix share level state with their parent.
type Logger struct {
	state  *levelState
	colors bool
	prefix string
	std    *log.Logger
}

type levelState struct {
	mu    sync.RWMutex
	level LogLevel
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Configure replaces the default logger. The CLI calls it once after loading
// configuration; packages holding a prefixed logger keep their old sink.
func Configure(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	defaultMu.Lock()
	defaultLogger = New(cfg.Level, out, cfg.Colors, "")
	defaultMu.Unlock()
}

// Init configures the default logger from LOG_LEVEL and LOG_COLOR when it
// has not been configured yet.
func Init() {
	defaultMu.RLock()
	ready := defaultLogger != nil
	defaultMu.RUnlock()
	if ready {
		return
	}
	level, _ := ParseLevel(os.Getenv("LOG_LEVEL"))
	colors := true
	if v := os.Getenv("LOG_COLOR"); v == "false" || v == "0" {
		colors = false
	}
	Configure(Config{Level: level, Colors: colors})
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, enableColors bool, prefix string) *Logger {
	return &Logger{
		state:  &levelState{level: level},
		colors: enableColors,
		prefix: prefix,
		std:    log.New(output, "", log.LstdFlags),
	}
}

// SetLevel changes the level for this logger and every logger derived from it
func (l *Logger) SetLevel(level LogLevel) {
	l.state.mu.Lock()
	l.state.level = level
	l.state.mu.Unlock()
}

func (l *Logger) GetLevel() LogLevel {
	l.state.mu.RLock()
	defer l.state.mu.RUnlock()
	return l.state.level
}

func (l *Logger) IsLevelEnabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if !l.IsLevelEnabled(level) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	tag := "[" + levelNames[level] + "]"
	if l.colors {
		tag = levelColors[level] + tag + "\033[0m"
	}

	var line string
	if l.prefix != "" {
		line = fmt.Sprintf("%s [%s] %s", tag, l.prefix, msg)
	} else {
		line = tag + " " + msg
	}
	_ = l.std.Output(3, line)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// WithPrefix creates a logger tagging every line with [prefix]. Nested
// prefixes are joined with a colon.
func (l *Logger) WithPrefix(prefix string) *Logger {
	if l.prefix != "" && prefix != "" {
		prefix = l.prefix + ":" + prefix
	}
	return &Logger{
		state:  l.state,
		colors: l.colors,
		prefix: prefix,
		std:    l.std,
	}
}

// Global convenience functions that use the default logger

func GetDefault() *Logger {
	Init()
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

func SetLevel(level LogLevel) {
	GetDefault().SetLevel(level)
}

func GetLevel() LogLevel {
	return GetDefault().GetLevel()
}

func IsDebugEnabled() bool {
	return GetDefault().IsLevelEnabled(DEBUG)
}

func Debug(format string, args ...interface{}) {
	GetDefault().log(DEBUG, format, args...)
}

func Info(format string, args ...interface{}) {
	GetDefault().log(INFO, format, args...)
}

func Warn(format string, args ...interface{}) {
	GetDefault().log(WARN, format, args...)
}

func Error(format string, args ...interface{}) {
	GetDefault().log(ERROR, format, args...)
}

func WithPrefix(prefix string) *Logger {
	return GetDefault().WithPrefix(prefix)
}
