package core

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Console format is for terminals; json
// is for log shippers. Taps always receive the raw JSON lines. The level is
// applied globally so a reload can change it.
func NewLogger(cfg LoggingConfig, out io.Writer, taps ...io.Writer) zerolog.Logger {
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	if len(taps) > 0 {
		out = zerolog.MultiLevelWriter(append([]io.Writer{out}, taps...)...)
	}
	SetLogLevel(cfg.Level)
	return zerolog.New(out).With().Timestamp().Logger()
}

// SetLogLevel changes the global log level; unknown names mean info.
func SetLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return lvl
}
