package zap

import (
	"github.com/shopfront/relay/outbox"
	"go.uber.org/zap"
)

// zap implementation of outbox.Logger interface.
type Logger struct {
	Logger *zap.Logger
}

var _ outbox.Logger = (*Logger)(nil)

func (l *Logger) must() *zap.Logger {
	if l == nil || l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func (l *Logger) Debug(msg string) {
	l.must().Debug(msg)
}

func (l *Logger) Warn(msg string) {
	l.must().Warn(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.must().Error(msg, zap.Error(err))
}

func (l *Logger) Info(msg string) {
	l.must().Info(msg)
}
