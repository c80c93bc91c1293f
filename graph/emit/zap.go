package emit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapEmitter forwards events to a zap logger.
//
// Failures (events carrying an "error" field) log at Warn so they surface
// without the engine having decided whether the turn is lost; stage_start and
// stage_end log at Debug; everything else logs at Info.
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter creates a ZapEmitter. A nil logger discards events.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger.With(zap.String("component", "engine"))}
}

// Emit implements Emitter.
func (z *ZapEmitter) Emit(event Event) {
	level := zapcore.InfoLevel
	switch {
	case event.IsError():
		level = zapcore.WarnLevel
	case event.Msg == "stage_start" || event.Msg == "stage_end":
		level = zapcore.DebugLevel
	}

	ce := z.logger.Check(level, event.Msg)
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields,
		zap.String("run_id", event.RunID),
		zap.Int("step", event.Step),
		zap.String("stage", event.NodeID),
	)
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}
	ce.Write(fields...)
}
