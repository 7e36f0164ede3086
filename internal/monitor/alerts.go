package monitor

import "log/slog"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to a structured logger at warn level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Send(message string) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Warn("alert", "message", message)
	return nil
}

// SinkFunc adapts a function to AlertSink.
type SinkFunc func(message string) error

func (f SinkFunc) Send(message string) error { return f(message) }
