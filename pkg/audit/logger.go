package audit

import (
	"context"

	"github.com/platinummonkey/noticeguard/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *Event) error

	// Close flushes buffered events and releases resources
	Close() error
}

type contextKey string

// AuditLoggerKey is the context key for the audit logger
const AuditLoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NoopLogger{}
}

// NoopLogger discards every event
type NoopLogger struct{}

func (NoopLogger) Log(context.Context, *Event) error { return nil }
func (NoopLogger) Close() error                      { return nil }

// LogSink writes audit events through the structured application logger
type LogSink struct {
	logger *observability.Logger
}

// NewLogSink creates a sink writing to logger
func NewLogSink(logger *observability.Logger) *LogSink {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &LogSink{logger: logger.WithField("component", "audit")}
}

// Log implements Logger
func (s *LogSink) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	fields := map[string]interface{}{
		"event_type": event.Type,
		"severity":   event.Severity,
	}
	addField(fields, "subject_id", event.SubjectID)
	addField(fields, "role_code", event.RoleCode)
	addField(fields, "token_id", event.TokenID)
	addField(fields, "permission_code", event.PermissionCode)
	addField(fields, "scope", event.Scope)
	addField(fields, "origin_ip", event.OriginIP)
	addField(fields, "outcome", event.Outcome)
	if event.Level != 0 {
		fields["notice_level"] = event.Level
	}
	requestID := event.RequestID
	if requestID == "" {
		requestID = observability.GetRequestID(ctx)
	}
	addField(fields, "request_id", requestID)
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	entry := s.logger.WithFields(fields)
	switch event.Severity {
	case SeverityCritical:
		entry.Error(event.Message)
	case SeverityWarning:
		entry.Warn(event.Message)
	default:
		entry.Info(event.Message)
	}
	return nil
}

// Close implements Logger
func (s *LogSink) Close() error { return nil }

func addField(fields map[string]interface{}, key, value string) {
	if value != "" {
		fields[key] = value
	}
}
