package event

import "go.uber.org/zap"

// LogSink writes every event as a structured zap log line, one field per
// payload entry, at the same level as this process's "component"-scoped
// loggers.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink scoped under the "events" component.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("component", "events"))}
}

func (s *LogSink) Emit(evt Event) {
	fields := make([]zap.Field, 0, len(evt.Fields)+1)
	fields = append(fields, zap.Time("ts", evt.Timestamp))
	for k, v := range evt.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.Info(evt.Name, fields...)
}

// CallbackSink forwards every event to a caller-supplied function. Useful
// for embedding the core in a process that wants events routed into its own
// pipeline (a queue, an in-memory ring buffer, a test assertion) without
// standing up a transport.
type CallbackSink struct {
	fn func(Event)
}

// NewCallbackSink wraps fn as a Sink.
func NewCallbackSink(fn func(Event)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (s *CallbackSink) Emit(evt Event) {
	s.fn(evt)
}
