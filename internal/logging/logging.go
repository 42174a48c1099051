// Package logging builds the process logger.
package logging

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrUnknownFormat is returned for a format other than json or console.
var ErrUnknownFormat = errors.New("unknown log format")

// New returns a logger writing to w at level. Format "json" uses the
// production encoder, "console" the development one. The returned level can
// be changed while the logger is in use.
func New(w io.Writer, level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("log level %q: %w", level, err)
	}

	var enc zapcore.Encoder

	switch format {
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), lvl)

	return zap.New(core), lvl, nil
}
