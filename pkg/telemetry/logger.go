// Package telemetry provides the Logger and TelemetrySink contracts the
// core depends on, plus production adapters backed by zap and OpenTelemetry.
package telemetry

import "go.uber.org/zap"

// Logger is the minimal structured-logging interface the core depends on,
// kept verbatim from the teacher orchestrator so callers can satisfy it
// without pulling in any particular logging library.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything; it's the default when no Logger is wired.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, args ...interface{}) {}
func (NoOpLogger) Info(msg string, args ...interface{})  {}
func (NoOpLogger) Warn(msg string, args ...interface{})  {}
func (NoOpLogger) Error(msg string, args ...interface{}) {}

// ZapLogger adapts a *zap.SugaredLogger to the Logger interface. This is the
// production logger wired by cmd/atlasd.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger builds a ZapLogger from a production zap configuration.
func NewZapLogger() (*ZapLogger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{s: l.Sugar()}, nil
}

// NewZapLoggerFrom wraps an already-constructed zap logger, e.g. for tests
// that want to assert on captured log output via zaptest/observer.
func NewZapLoggerFrom(l *zap.Logger) *ZapLogger {
	return &ZapLogger{s: l.Sugar()}
}

func (z *ZapLogger) Debug(msg string, args ...interface{}) { z.s.Debugw(msg, args...) }
func (z *ZapLogger) Info(msg string, args ...interface{})  { z.s.Infow(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...interface{})  { z.s.Warnw(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...interface{}) { z.s.Errorw(msg, args...) }

// Sync flushes any buffered log entries; call on shutdown.
func (z *ZapLogger) Sync() error { return z.s.Sync() }
