package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger routes SDK log output into an application's zap logger.
type zapLogger struct {
	z     *zap.Logger
	level *levelBox
}

// NewZapLogger adapts z to the Logger interface. The SDK level filter is
// applied before zap's own level, so both must allow a message for it to be
// written. A nil z yields a no-op logger.
func NewZapLogger(z *zap.Logger) Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &zapLogger{
		z:     z.WithOptions(zap.AddCallerSkip(1)),
		level: &levelBox{level: DebugLevel},
	}
}

func (l *zapLogger) Debug(msg string, fields ...Field) {
	l.write(DebugLevel, msg, fields)
}

func (l *zapLogger) Info(msg string, fields ...Field) {
	l.write(InfoLevel, msg, fields)
}

func (l *zapLogger) Warn(msg string, fields ...Field) {
	l.write(WarnLevel, msg, fields)
}

func (l *zapLogger) Error(msg string, fields ...Field) {
	l.write(ErrorLevel, msg, fields)
}

func (l *zapLogger) WithFields(fields ...Field) Logger {
	return &zapLogger{z: l.z.With(toZapFields(fields)...), level: l.level}
}

func (l *zapLogger) WithContext(ctx context.Context) Logger {
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		return l.WithFields(String(requestIDField, requestID))
	}
	return l
}

func (l *zapLogger) WithError(err error) Logger {
	return l.WithFields(errorFields(err)...)
}

func (l *zapLogger) SetLevel(level Level) {
	l.level.mu.Lock()
	l.level.level = level
	l.level.mu.Unlock()
}

func (l *zapLogger) GetLevel() Level {
	l.level.mu.RLock()
	defer l.level.mu.RUnlock()
	return l.level.level
}

func (l *zapLogger) write(level Level, msg string, fields []Field) {
	if level < l.GetLevel() {
		return
	}
	if ce := l.z.Check(zapLevel(level), msg); ce != nil {
		ce.Write(toZapFields(fields)...)
	}
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
