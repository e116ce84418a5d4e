package logging

import (
	"io"
	"strings"
	"sync/atomic"
)

type loggerHolder struct{ Logger }

var globalLogger atomic.Pointer[loggerHolder]

func init() {
	globalLogger.Store(&loggerHolder{New(nil, nil)})
}

// SetGlobalLogger sets the logger used by components that were not given one.
func SetGlobalLogger(logger Logger) {
	if logger == nil {
		logger = NewNop()
	}
	globalLogger.Store(&loggerHolder{logger})
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() Logger {
	return globalLogger.Load().Logger
}

// NewFromConfig builds a logger from a level name and a format name
// ("text" or "json").
func NewFromConfig(output io.Writer, level, format string) (Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var formatter Formatter
	switch strings.ToLower(format) {
	case "json":
		formatter = NewJSONFormatter()
	default:
		formatter = NewTextFormatter()
	}

	logger := New(output, formatter)
	logger.SetLevel(lvl)
	return logger, nil
}

func Debug(msg string, fields ...Field) {
	GetGlobalLogger().Debug(msg, fields...)
}

func Info(msg string, fields ...Field) {
	GetGlobalLogger().Info(msg, fields...)
}

func Warn(msg string, fields ...Field) {
	GetGlobalLogger().Warn(msg, fields...)
}

// LogError logs an error message to the global logger
func LogError(msg string, fields ...Field) {
	GetGlobalLogger().Error(msg, fields...)
}
