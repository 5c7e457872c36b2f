package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// watermillLogger routes watermill's logging into zap.
type watermillLogger struct {
	logger *zap.Logger
}

// NewWatermillLogger adapts a zap logger to watermill.LoggerAdapter.
func NewWatermillLogger(logger *zap.Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: logger}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info(msg, zapFields(fields)...)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	// Trace is below zap's lowest level.
	if ce := l.logger.Check(zap.DebugLevel-1, msg); ce != nil {
		ce.Write(zapFields(fields)...)
	}
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.logger.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
