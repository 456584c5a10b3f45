// Package audit records authorization decisions and security events.
//
// # Overview
//
// Every enforcement decision can be written as an Event: grants, denials,
// pending approvals, rejected credentials and replayed tokens. Security
// alerts (repeated replay attempts, high anomaly risk) use the same type with
// a higher severity.
//
// # Sinks
//
// LogSink writes events through the structured logger, DBLogger persists them
// to PostgreSQL and MultiLogger fans out to several sinks:
//
//	sink := audit.NewMultiLogger(audit.NewLogSink(logger), dbLogger)
//	defer sink.Close()
//
// # Context
//
// A Logger can be carried on the request context with WithLogger and
// retrieved with FromContext, which falls back to a no-op logger.
package audit
