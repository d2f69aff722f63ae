package util

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"log/slog"
	"sync"
)

// Logger adapts slog to printf-style calls.
type Logger struct {
	slogLogger *slog.Logger
}

// GetCompatLogger returns a logger that provides both slog and traditional log.Printf style methods
func GetCompatLogger() *Logger {
	return &Logger{
		slogLogger: GetLogger(),
	}
}

// With returns a logger that adds the attributes to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slogLogger: l.slogLogger.With(args...)}
}

// Printf provides log.Printf compatibility while using slog internally
func (l *Logger) Printf(format string, v ...interface{}) {
	l.slogLogger.Info(fmt.Sprintf(format, v...))
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.slogLogger.Debug(fmt.Sprintf(format, v...))
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.slogLogger.Error(fmt.Sprintf(format, v...))
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.slogLogger.Warn(fmt.Sprintf(format, v...))
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.slogLogger.Info(fmt.Sprintf(format, v...))
}

// SetupGlobalLogger replaces the standard log package logger
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger()})
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Info(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// PrefixLogWriter turns the output of a child process into one log record
// per line.
type PrefixLogWriter struct {
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	pending []byte
}

// NewPrefixLogWriter returns a writer that logs each line with the prefix.
func NewPrefixLogWriter(prefix string) *PrefixLogWriter {
	return &PrefixLogWriter{prefix: prefix, logger: GetLogger()}
}

func (w *PrefixLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	idx := bytes.LastIndexByte(w.pending, '\n')
	if idx < 0 {
		return len(p), nil
	}
	scanner := bufio.NewScanner(bytes.NewReader(w.pending[:idx+1]))
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			w.logger.Debug(w.prefix + " " + string(line))
		}
	}
	w.pending = append(w.pending[:0], w.pending[idx+1:]...)
	return len(p), nil
}

// Flush logs a trailing partial line.
func (w *PrefixLogWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if line := bytes.TrimSpace(w.pending); len(line) > 0 {
		w.logger.Debug(w.prefix + " " + string(line))
	}
	w.pending = w.pending[:0]
}
