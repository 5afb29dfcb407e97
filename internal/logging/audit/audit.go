// Package audit records who touched which object through the gateway.
package audit

import (
	"github.com/rs/zerolog"
)

// Results.
const (
	Allowed = "allowed"
	Denied  = "denied"
)

// Logger writes audit events with a fixed set of structured fields.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger on top of logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

func levelFor(result string) zerolog.Level {
	if result == Denied {
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// LogAuth logs a bearer token check. principal is empty when the token
// could not be parsed.
func (l *Logger) LogAuth(principal, result, details, sourceIP string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "auth").
		Str("principal", principal).
		Str("result", result).
		Str("source_ip", sourceIP)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Authentication event")
}

// LogObjectOp logs an object operation. Mutations logged here are the ones
// that reach the journal unless principal is the replication identity.
func (l *Logger) LogObjectOp(principal, operation, bucket, key, result, details, sourceIP string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "object_operation").
		Str("principal", principal).
		Str("operation", operation).
		Str("bucket", bucket).
		Str("result", result).
		Str("source_ip", sourceIP)
	if key != "" {
		event = event.Str("object_key", key)
	}
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Object operation")
}
