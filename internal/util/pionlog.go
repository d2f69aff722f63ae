package util

import "github.com/pion/logging"

// PionLoggerFactory routes pion's internal logging into the slog handler.
// Records carry the pion scope as an attribute.
type PionLoggerFactory struct{}

// NewLogger implements logging.LoggerFactory.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{Logger: GetCompatLogger().With("pion", scope)}
}

var _ logging.LoggerFactory = PionLoggerFactory{}

type pionLogger struct {
	*Logger
}

// pion's trace output is far too chatty to surface even at debug level.
func (l *pionLogger) Trace(string)          {}
func (l *pionLogger) Tracef(string, ...any) {}

func (l *pionLogger) Debug(msg string) { l.slogLogger.Debug(msg) }
func (l *pionLogger) Info(msg string)  { l.slogLogger.Info(msg) }
func (l *pionLogger) Warn(msg string)  { l.slogLogger.Warn(msg) }
func (l *pionLogger) Error(msg string) { l.slogLogger.Error(msg) }
