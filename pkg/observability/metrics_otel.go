package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics mirrors the decision metrics as OpenTelemetry instruments so
// they reach the OTLP collector alongside traces
type OTelMetrics struct {
	decisionsTotal   metric.Int64Counter
	decisionDuration metric.Float64Histogram
	stepDuration     metric.Float64Histogram
	replayRejections metric.Int64Counter
	anomalyReports   metric.Int64Counter
	anomalySkipped   metric.Int64Counter
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithProvider(otel.GetMeterProvider())
}

// NewOTelMetricsWithProvider creates instruments on the given provider
func NewOTelMetricsWithProvider(provider metric.MeterProvider) (*OTelMetrics, error) {
	meter := provider.Meter("github.com/platinummonkey/noticeguard")

	m := &OTelMetrics{}
	var err error

	m.decisionsTotal, err = meter.Int64Counter(
		"noticeguard.decisions",
		metric.WithDescription("Total number of authorization decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.decisionDuration, err = meter.Float64Histogram(
		"noticeguard.decision.duration",
		metric.WithDescription("End-to-end authorization decision latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision duration histogram: %w", err)
	}

	m.stepDuration, err = meter.Float64Histogram(
		"noticeguard.decision.step.duration",
		metric.WithDescription("Latency of individual decision steps"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}

	m.replayRejections, err = meter.Int64Counter(
		"noticeguard.replay.rejections",
		metric.WithDescription("Credentials rejected by the replay guard"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay rejections counter: %w", err)
	}

	m.anomalyReports, err = meter.Int64Counter(
		"noticeguard.anomaly.reports",
		metric.WithDescription("Anomaly reports by risk level"),
		metric.WithUnit("{report}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create anomaly reports counter: %w", err)
	}

	m.anomalySkipped, err = meter.Int64Counter(
		"noticeguard.anomaly.skipped",
		metric.WithDescription("Anomaly checks skipped because the store was unavailable"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create anomaly skipped counter: %w", err)
	}

	return m, nil
}

// RecordDecision records the outcome and latency of one decision
func (m *OTelMetrics) RecordDecision(outcome, permission, path string, total time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("decision.outcome", outcome),
		attribute.String("decision.permission", permission),
		attribute.String("decision.path", path),
	)
	m.decisionsTotal.Add(ctx, 1, attrs)
	m.decisionDuration.Record(ctx, total.Seconds(), attrs)
}

// RecordStep records the latency of one decision step
func (m *OTelMetrics) RecordStep(step string, d time.Duration) {
	m.stepDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(attribute.String("decision.step", step)))
}

// RecordReplayRejection counts a credential blocked by the replay guard
func (m *OTelMetrics) RecordReplayRejection(reason string) {
	m.replayRejections.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("replay.reason", reason)))
}

// RecordAnomaly records an anomaly report's risk level and skipped checks
func (m *OTelMetrics) RecordAnomaly(riskLevel string, skipped []string) {
	ctx := context.Background()
	m.anomalyReports.Add(ctx, 1, metric.WithAttributes(attribute.String("anomaly.risk_level", riskLevel)))
	for _, check := range skipped {
		m.anomalySkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("anomaly.check", check)))
	}
}
