package processor

import (
	"log"

	"go.uber.org/zap"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type stdLogger struct{}

// Debug is dropped: the supervisor logs every poll tick at this level.
func (stdLogger) Debug(string, ...any) {}

func (stdLogger) Info(format string, args ...any) {
	log.Printf("INFO "+format, args...)
}

func (stdLogger) Warn(format string, args ...any) {
	log.Printf("WARN "+format, args...)
}

func (stdLogger) Error(format string, args ...any) {
	log.Printf("ERROR "+format, args...)
}

// DefaultLogger writes through the standard log package.
func DefaultLogger() Logger {
	return stdLogger{}
}

type zapLogger struct {
	l *zap.SugaredLogger
}

// NewZapLogger adapts a zap sugared logger.
func NewZapLogger(l *zap.SugaredLogger) Logger {
	return zapLogger{l: l}
}

func (z zapLogger) Debug(format string, args ...any) {
	z.l.Debugf(format, args...)
}

func (z zapLogger) Info(format string, args ...any) {
	z.l.Infof(format, args...)
}

func (z zapLogger) Warn(format string, args ...any) {
	z.l.Warnf(format, args...)
}

func (z zapLogger) Error(format string, args ...any) {
	z.l.Errorf(format, args...)
}
