package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultEncoderConfig = zapcore.EncoderConfig{
	MessageKey:     "msg",
	LevelKey:       "level",
	TimeKey:        "ts",
	CallerKey:      "caller",
	NameKey:        "name",
	StacktraceKey:  "strace",
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// NewLogger creates a console logger on stderr, keeping stdout free for
// command output. JSON encoding is available for easy-parsing by supervisors.
func NewLogger(lvl string, asJSON bool) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(lvl)); err != nil {
		return nil, err
	}

	enc := zapcore.NewConsoleEncoder(defaultEncoderConfig)
	if asJSON {
		enc = zapcore.NewJSONEncoder(defaultEncoderConfig)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)

	return zap.New(core), nil
}

type key int

var loggerKey key

// FromContext return logger which is stored in given context or noop logger if no logger is found.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return zap.NewNop()
	}

	v := ctx.Value(loggerKey)
	if v == nil {
		return zap.NewNop()
	}

	return v.(*zap.Logger)
}

// NewContext creates context and stores logger in it.
func NewContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

const callerSkipNum = 2

var errOptions = []zap.Option{zap.AddCallerSkip(callerSkipNum), zap.AddCaller(), zap.AddStacktrace(zapcore.DebugLevel)}

func DebugCtx(ctx context.Context, err error, msg string, fields ...zap.Field) {
	l := FromContext(ctx)
	if err != nil {
		l = l.WithOptions(errOptions...)
		log(l.With(zap.Error(err)), msg, zapcore.ErrorLevel, fields...)
	} else {
		log(l.With(zap.Error(err)), msg, zapcore.DebugLevel, fields...)
	}
}

func ErrorCtx(ctx context.Context, err error, msg string, fields ...zap.Field) {
	l := FromContext(ctx)
	if err != nil {
		l = l.WithOptions(errOptions...)
	}

	log(l.With(zap.Error(err)), msg, zapcore.ErrorLevel, fields...)
}

func InfoCtx(ctx context.Context, err error, msg string, fields ...zap.Field) {
	log(FromContext(ctx).With(zap.Error(err)), msg, zapcore.InfoLevel, fields...)
}

func WarnCtx(ctx context.Context, err error, msg string, fields ...zap.Field) {
	log(FromContext(ctx).With(zap.Error(err)), msg, zapcore.WarnLevel, fields...)
}

func log(l *zap.Logger, msg string, level zapcore.Level, fields ...zap.Field) {
	if ce := l.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}
