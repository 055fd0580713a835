package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EncodingJSON    = "json"
	EncodingConsole = "console"
)

// New builds a zap logger writing to stderr so stdout stays reserved for
// command envelopes.
func New(level, encoding string) (*zap.Logger, error) {
	return NewWithWriter(os.Stderr, level, encoding)
}

func NewWithWriter(w io.Writer, level, encoding string) (*zap.Logger, error) {
	logLevel := zap.NewAtomicLevel()
	if strings.TrimSpace(level) == "" {
		level = "warn"
	}
	if err := logLevel.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingConsole:
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	case EncodingJSON:
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	default:
		return nil, fmt.Errorf("invalid log encoding %q (expected json|console)", encoding)
	}

	return zap.New(zapcore.NewCore(
		encoder,
		zapcore.Lock(zapcore.AddSync(w)),
		logLevel,
	), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
