// Package logging provides the zap-based structured logger used across
// the orchestrator. Loggers are context-aware: fields stashed in the
// context (project_id, phase, crew, role, task_id) are appended to every
// entry, and configured sensitive field names are redacted before write.
package logging

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with context-aware methods and redaction.
type Logger struct {
	zap           *zap.Logger
	redactFields  map[string]struct{}
	redactRegexps []*regexp.Regexp
}

const redactedPlaceholder = "[REDACTED]"

// New creates a Logger from config. A nil config uses defaults.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), cfg.Level)

	var constFields []zap.Field
	for k, v := range cfg.Fields {
		constFields = append(constFields, zap.String(k, v))
	}

	l := &Logger{
		zap:          zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).With(constFields...),
		redactFields: map[string]struct{}{},
	}
	if cfg.Redaction.Enabled {
		for _, f := range cfg.Redaction.Fields {
			l.redactFields[strings.ToLower(f)] = struct{}{}
		}
		for _, p := range cfg.Redaction.Patterns {
			l.redactRegexps = append(l.redactRegexps, regexp.MustCompile(p))
		}
	}
	return l, nil
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop(), redactFields: map[string]struct{}{}}
}

// Debug logs at debug level with context fields appended.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, l.prepare(ctx, fields)...)
}

// Info logs at info level with context fields appended.
func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, l.prepare(ctx, fields)...)
}

// Warn logs at warn level with context fields appended.
func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, l.prepare(ctx, fields)...)
}

// Error logs at error level with context fields appended.
func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, l.prepare(ctx, fields)...)
}

// With returns a child logger with the given fields attached.
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := *l
	child.zap = l.zap.With(l.redact(fields)...)
	return &child
}

// Named returns a child logger with the given name segment.
func (l *Logger) Named(name string) *Logger {
	child := *l
	child.zap = l.zap.Named(name)
	return &child
}

// Sync flushes buffered entries. Errors from syncing stdout are ignored,
// stdout is not seekable on most platforms.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

func (l *Logger) prepare(ctx context.Context, fields []zap.Field) []zap.Field {
	fields = append(fields, ContextFields(ctx)...)
	return l.redact(fields)
}

func (l *Logger) redact(fields []zap.Field) []zap.Field {
	if len(l.redactFields) == 0 && len(l.redactRegexps) == 0 {
		return fields
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		if _, ok := l.redactFields[strings.ToLower(f.Key)]; ok {
			out[i] = zap.String(f.Key, redactedPlaceholder)
			continue
		}
		if f.Type == zapcore.StringType {
			s := f.String
			for _, re := range l.redactRegexps {
				s = re.ReplaceAllString(s, redactedPlaceholder)
			}
			if s != f.String {
				out[i] = zap.String(f.Key, s)
				continue
			}
		}
		out[i] = f
	}
	return out
}

func isStdoutSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
