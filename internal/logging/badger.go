package logging

import "go.uber.org/zap"

// BadgerLogger routes badger's printf-style logging through zap. It satisfies
// badger.Logger without importing badger.
type BadgerLogger struct {
	sugar *zap.SugaredLogger
}

// NewBadgerLogger wraps logger for use with badger.Options.WithLogger.
func NewBadgerLogger(logger *zap.Logger) *BadgerLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerLogger{sugar: logger.Named("badger").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// Errorf logs an error message.
func (l *BadgerLogger) Errorf(f string, v ...any) { l.sugar.Errorf(f, v...) }

// Warningf logs a warning message.
func (l *BadgerLogger) Warningf(f string, v ...any) { l.sugar.Warnf(f, v...) }

// Infof logs an info message.
func (l *BadgerLogger) Infof(f string, v ...any) { l.sugar.Infof(f, v...) }

// Debugf logs a debug message.
func (l *BadgerLogger) Debugf(f string, v ...any) { l.sugar.Debugf(f, v...) }
