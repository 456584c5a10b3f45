// Package observability provides structured logging, Prometheus and
// OpenTelemetry metrics, tracing setup, health checks and panic recovery.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("subject_id", subject).Warn("permission cache unavailable")
//
// Loggers travel in the request context; FromContext adds the request and
// subject ids recorded by the HTTP middleware.
//
// # Metrics
//
// NewMetrics registers the noticeguard_* collectors on a registry. *Metrics
// satisfies the permission cache recorder and the enforcement recorder, so
// both report without importing Prometheus themselves. OTelMetrics exposes
// the same decision events as OpenTelemetry instruments.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, store, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// /healthz is liveness only. /readyz reports unhealthy when the authority
// database is down and degraded when only the key-value store is.
package observability
