package anomaly

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/noticeguard/pkg/kvstore"
	"github.com/platinummonkey/noticeguard/pkg/observability"
)

// Config holds detector thresholds
type Config struct {
	// FrequencyWindow is the width of the sliding request window
	FrequencyWindow time.Duration
	// FrequencyCap is the number of requests allowed per window
	FrequencyCap int64
	// IPChangeThreshold and DeviceChangeThreshold warn once exceeded
	IPChangeThreshold     int64
	DeviceChangeThreshold int64
	// ChangeWindow is how long lineage changes are counted
	ChangeWindow time.Duration
	// LastSeenRetention is how long the last IP and device are remembered
	LastSeenRetention time.Duration
	// OperationTimeout bounds each store call
	OperationTimeout time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		FrequencyWindow:       time.Minute,
		FrequencyCap:          60,
		IPChangeThreshold:     3,
		DeviceChangeThreshold: 2,
		ChangeWindow:          24 * time.Hour,
		LastSeenRetention:     7 * 24 * time.Hour,
		OperationTimeout:      200 * time.Millisecond,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.FrequencyWindow <= 0 || c.FrequencyCap <= 0 {
		return errors.New("anomaly: frequency window and cap must be positive")
	}
	if c.IPChangeThreshold < 0 || c.DeviceChangeThreshold < 0 {
		return errors.New("anomaly: change thresholds must not be negative")
	}
	if c.ChangeWindow <= 0 || c.LastSeenRetention <= 0 {
		return errors.New("anomaly: retention windows must be positive")
	}
	return nil
}

func frequencyKey(subject string) string { return "anomaly:freq:" + subject }

func lastKey(kind, subject string) string { return "anomaly:" + kind + ":last:" + subject }

func changesKey(kind, subject string) string { return "anomaly:" + kind + ":changes:" + subject }

// Detector tracks per-subject request frequency and IP/device lineage.
// Its findings are advisory; it never blocks a request itself.
type Detector struct {
	store  kvstore.Store
	config Config
	logger *observability.Logger
	now    func() time.Time
}

// Option configures a Detector
type Option func(*Detector)

// WithClock overrides the clock used when a sample carries no timestamp
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a detector on top of store
func New(store kvstore.Store, config Config, logger *observability.Logger, opts ...Option) (*Detector, error) {
	if store == nil {
		return nil, errors.New("anomaly: store is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	d := &Detector{
		store:  store,
		config: config,
		logger: logger.WithField("component", "anomaly"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// CheckUsage records sample and reports advisory findings. A check whose
// store calls fail is listed in Skipped instead of failing the call.
func (d *Detector) CheckUsage(ctx context.Context, sample UsageSample) Report {
	report := Report{Warnings: []Warning{}}
	if sample.SubjectID == "" {
		report.Skipped = []string{CheckFrequency, CheckIP, CheckDevice}
		report.RiskLevel = RiskMinimal
		return report
	}
	if sample.At.IsZero() {
		sample.At = d.now()
	}

	if w, err := d.checkFrequency(ctx, sample); err != nil {
		d.skip(&report, CheckFrequency, sample.SubjectID, err)
	} else if w != nil {
		report.Warnings = append(report.Warnings, *w)
	}

	lineage := []struct {
		check     string
		kind      string
		value     string
		threshold int64
	}{
		{CheckIP, "ip", strings.TrimSpace(sample.OriginIP), d.config.IPChangeThreshold},
		{CheckDevice, "device", strings.TrimSpace(sample.DeviceSignature), d.config.DeviceChangeThreshold},
	}
	for _, l := range lineage {
		if l.value == "" {
			report.Skipped = append(report.Skipped, l.check)
			continue
		}
		w, err := d.checkLineage(ctx, sample.SubjectID, l.check, l.kind, l.value, l.threshold)
		if err != nil {
			d.skip(&report, l.check, sample.SubjectID, err)
			continue
		}
		if w != nil {
			report.Warnings = append(report.Warnings, *w)
		}
	}

	report.RiskScore = Score(len(report.Warnings))
	report.RiskLevel = LevelFor(report.RiskScore)

	if len(report.Warnings) > 0 {
		d.logger.WithFields(map[string]interface{}{
			"subject_id": sample.SubjectID,
			"risk_score": report.RiskScore,
			"risk_level": report.RiskLevel,
			"warnings":   len(report.Warnings),
		}).Warn("anomalous credential usage")
	}
	return report
}

func (d *Detector) checkFrequency(ctx context.Context, sample UsageSample) (*Warning, error) {
	opCtx, cancel := d.opContext(ctx)
	defer cancel()

	member := fmt.Sprintf("%d:%s", sample.At.UnixNano(), uuid.NewString())
	count, err := d.store.SlidingWindowAdd(opCtx, frequencyKey(sample.SubjectID), member, sample.At, d.config.FrequencyWindow)
	if err != nil {
		return nil, err
	}
	if count <= d.config.FrequencyCap {
		return nil, nil
	}
	return &Warning{
		Check:     CheckFrequency,
		Message:   fmt.Sprintf("%d requests in %s exceeds cap of %d", count, d.config.FrequencyWindow, d.config.FrequencyCap),
		Observed:  count,
		Threshold: d.config.FrequencyCap,
	}, nil
}

func (d *Detector) checkLineage(ctx context.Context, subject, check, kind, value string, threshold int64) (*Warning, error) {
	opCtx, cancel := d.opContext(ctx)
	defer cancel()

	last, err := d.store.Get(opCtx, lastKey(kind, subject))
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		// first observation
		return nil, d.store.Set(opCtx, lastKey(kind, subject), value, d.config.LastSeenRetention)
	case err != nil:
		return nil, err
	case last == value:
		return nil, d.store.Expire(opCtx, lastKey(kind, subject), d.config.LastSeenRetention)
	}

	changes, err := d.store.IncrWithExpire(opCtx, changesKey(kind, subject), d.config.ChangeWindow)
	if err != nil {
		return nil, err
	}
	if err := d.store.Set(opCtx, lastKey(kind, subject), value, d.config.LastSeenRetention); err != nil {
		return nil, err
	}
	if changes <= threshold {
		return nil, nil
	}
	return &Warning{
		Check:     check,
		Message:   fmt.Sprintf("%s changed %d times in %s", kind, changes, d.config.ChangeWindow),
		Observed:  changes,
		Threshold: threshold,
	}, nil
}

func (d *Detector) skip(report *Report, check, subject string, err error) {
	report.Skipped = append(report.Skipped, check)
	d.logger.WithError(err).WithFields(map[string]interface{}{
		"subject_id": subject,
		"check":      check,
	}).Warn("anomaly check not evaluated")
}

func (d *Detector) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.config.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.config.OperationTimeout)
}
