// Package logging provides structured JSON logging for tasksync.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "message"
	zerolog.ErrorFieldName = "error"
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		return strings.ToUpper(l.String())
	}
}

// Logger provides structured JSON logging on top of zerolog.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel LogLevel
	zl       zerolog.Logger
	closer   io.Closer
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
	gmu    sync.Mutex
)

// New creates a logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	return &Logger{
		out:      out,
		minLevel: minLevel,
		zl:       zerolog.New(out).With().Timestamp().Logger(),
	}
}

// Init initializes the global logger. Later calls are ignored.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		setGlobal(New(out, minLevel))
	})
}

// InitFile points the global logger at a size-rotated log file.
// It replaces any logger installed by Init.
func InitFile(path string, minLevel LogLevel, maxSizeMB int) error {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		Compress:   true,
	}
	l := New(zerolog.SyncWriter(rotator), minLevel)
	l.closer = rotator

	once.Do(func() {})
	if old := setGlobal(l); old != nil {
		_ = old.Close()
	}
	return nil
}

func setGlobal(l *Logger) *Logger {
	gmu.Lock()
	defer gmu.Unlock()
	old := global
	global = l
	return old
}

// Get returns the global logger instance.
func Get() *Logger {
	gmu.Lock()
	l := global
	gmu.Unlock()
	if l == nil {
		Init(os.Stdout, LevelInfo)
		gmu.Lock()
		l = global
		gmu.Unlock()
	}
	return l
}

// ParseLevel converts a config string into a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var event *zerolog.Event
	switch level {
	case LevelDebug:
		event = l.zl.Debug()
	case LevelWarn:
		event = l.zl.Warn()
	case LevelError:
		event = l.zl.Error()
	default:
		event = l.zl.Info()
	}

	if err != nil {
		event = event.Str(zerolog.ErrorFieldName, err.Error())
	}
	if len(context) > 0 {
		event = event.Interface("context", context)
	}
	event.Msg(message)
}

// shouldLog checks if a level should be logged.
func (l *Logger) shouldLog(level LogLevel) bool {
	levels := map[LogLevel]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}

	return levels[level] >= levels[l.minLevel]
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, l.getContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, l.getContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, l.getContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, l.getContext(context...))
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	ctx := l.getContext(context...)
	merged := make(map[string]interface{}, len(ctx)+1)
	for k, v := range ctx {
		merged[k] = v
	}
	merged["error_code"] = code
	l.log(LevelError, message, err, merged)
}

// getContext merges multiple context maps.
func (l *Logger) getContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
