// Package contextkeys provides centralized context key definitions
//
// All context keys shared between packages are defined here so that
// producers and consumers agree on the key and the stored type.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, audit events, enforcement decisions
	RequestIDKey Key = "request_id"

	// SubjectIDKey contains the authenticated subject id
	// Set by: enforcement middleware after identity extraction
	// Used by: Logger
	SubjectIDKey Key = "subject_id"

	// LoggerKey contains *observability.Logger
	LoggerKey Key = "logger"

	// ClaimsKey contains *identity.Claims
	// Set by: enforcement middleware on granted requests
	ClaimsKey Key = "identity_claims"

	// DecisionKey contains *enforcement.Decision
	// Set by: enforcement middleware on granted requests
	DecisionKey Key = "authz_decision"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestID returns the request ID stored in ctx
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSubjectID adds the subject id to the context
func WithSubjectID(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, SubjectIDKey, subjectID)
}

// SubjectID returns the subject id stored in ctx
func SubjectID(ctx context.Context) string {
	if v, ok := ctx.Value(SubjectIDKey).(string); ok {
		return v
	}
	return ""
}
