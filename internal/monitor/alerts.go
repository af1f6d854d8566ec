package monitor

import (
	"time"

	"go.uber.org/zap"
)

// Level grades an alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is an operator notification derived from a bus event.
type Alert struct {
	Level   Level     `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// AlertSink delivers alerts.
type AlertSink interface {
	Send(a Alert) error
}

// LogSink writes alerts to the log.
type LogSink struct{ Log *zap.Logger }

// Send implements AlertSink.
func (s LogSink) Send(a Alert) error {
	if s.Log == nil {
		return nil
	}
	fields := []zap.Field{zap.String("source", a.Source), zap.String("level", string(a.Level))}
	switch a.Level {
	case LevelCritical:
		s.Log.Error(a.Message, fields...)
	case LevelWarning:
		s.Log.Warn(a.Message, fields...)
	default:
		s.Log.Info(a.Message, fields...)
	}
	return nil
}

// SinkFunc adapts a function to AlertSink.
type SinkFunc func(Alert) error

// Send implements AlertSink.
func (f SinkFunc) Send(a Alert) error { return f(a) }
