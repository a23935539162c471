package logging

import "go.uber.org/zap"

// NewZapHandler adapts a *zap.Logger into a Handler so the engine's log
// entries can be routed into a structured production logging pipeline
// instead of the bare text handler.
func NewZapHandler(z *zap.Logger) Handler {
	if z == nil {
		z = zap.NewNop()
	}
	return func(e Entry) {
		fields := make([]zap.Field, 0, len(e.Fields))
		for k, v := range e.Fields {
			fields = append(fields, zap.Any(k, v))
		}
		switch e.Level {
		case DEBUG:
			z.Debug(e.Message, fields...)
		case INFO:
			z.Info(e.Message, fields...)
		case ERROR:
			z.Error(e.Message, fields...)
		default:
			z.Info(e.Message, fields...)
		}
	}
}
