package zerolog

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/shopfront/relay/outbox"
)

// zerolog implementation of outbox.Logger interface.
type Logger struct {
	Logger zerolog.Logger
}

var _ outbox.Logger = (*Logger)(nil)

// New returns a JSON logger writing to w at the given level ("debug",
// "info", ...). Unknown levels fall back to info.
func New(w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return &Logger{
		Logger: zerolog.New(w).Level(lvl).With().Timestamp().Str("component", "outbox").Logger(),
	}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
