// Package logger builds the zap logger used for diagnostic output.
package logger

import (
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing to w at the given level
func New(w io.Writer, level zapcore.Level) *zap.Logger {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	config.EncodeLevel = zapcore.CapitalLevelEncoder

	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(config),
		zapcore.Lock(zapcore.AddSync(w)),
		level,
	))
}

// Level picks the log level from the verbose/silent flags. Silent wins.
func Level(verbose, silent bool) zapcore.Level {
	switch {
	case silent:
		return zapcore.ErrorLevel
	case verbose:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
