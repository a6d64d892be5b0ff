package telemetry

import "go.uber.org/zap"

// ZapLogger adapts a zap.SugaredLogger to Logger and StructuredLogger,
// mirroring the logging library the teacher package already exercises in
// its own tests.
type ZapLogger struct {
	s *zap.SugaredLogger
}

var (
	_ Logger           = (*ZapLogger)(nil)
	_ StructuredLogger = (*ZapLogger)(nil)
)

// NewZapLogger wraps s. A nil s is valid and yields a no-op logger.
func NewZapLogger(s *zap.SugaredLogger) *ZapLogger {
	return &ZapLogger{s: s}
}

func (z *ZapLogger) Debugf(format string, args ...any) {
	if z == nil || z.s == nil {
		return
	}
	z.s.Debugf(format, args...)
}

func (z *ZapLogger) Infof(format string, args ...any) {
	if z == nil || z.s == nil {
		return
	}
	z.s.Infof(format, args...)
}

func (z *ZapLogger) Warnf(format string, args ...any) {
	if z == nil || z.s == nil {
		return
	}
	z.s.Warnf(format, args...)
}

func (z *ZapLogger) Errorf(format string, args ...any) {
	if z == nil || z.s == nil {
		return
	}
	z.s.Errorf(format, args...)
}

func (z *ZapLogger) Debugw(msg string, keyvals ...any) {
	if z == nil || z.s == nil {
		return
	}
	z.s.Debugw(msg, keyvals...)
}

func (z *ZapLogger) Infow(msg string, keyvals ...any) {
	if z == nil || z.s == nil {
		return
	}
	z.s.Infow(msg, keyvals...)
}

func (z *ZapLogger) Warnw(msg string, keyvals ...any) {
	if z == nil || z.s == nil {
		return
	}
	z.s.Warnw(msg, keyvals...)
}

func (z *ZapLogger) Errorw(msg string, keyvals ...any) {
	if z == nil || z.s == nil {
		return
	}
	z.s.Errorw(msg, keyvals...)
}
