package enforcement

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/noticeguard/pkg/anomaly"
	"github.com/platinummonkey/noticeguard/pkg/async"
	"github.com/platinummonkey/noticeguard/pkg/audit"
	"github.com/platinummonkey/noticeguard/pkg/authority"
	"github.com/platinummonkey/noticeguard/pkg/contextkeys"
	"github.com/platinummonkey/noticeguard/pkg/identity"
	"github.com/platinummonkey/noticeguard/pkg/observability"
	"github.com/platinummonkey/noticeguard/pkg/permcache"
	"github.com/platinummonkey/noticeguard/pkg/policy"
	"github.com/platinummonkey/noticeguard/pkg/replay"
)

// Recorder receives decision metrics. observability.Metrics and
// observability.OTelMetrics both satisfy it.
type Recorder interface {
	RecordDecision(outcome, permission, path string, total time.Duration)
	RecordStep(step string, d time.Duration)
	RecordReplayRejection(reason string)
	RecordAnomaly(riskLevel string, skipped []string)
}

// Replay rejection reasons
const (
	ReplayReused      = "reused"
	ReplayInvalidID   = "invalid_id"
	ReplayUnavailable = "ledger_unavailable"
	ReplayUnsupported = "guard_missing"
)

// Config holds caller policy
type Config struct {
	// BlockOnHighRisk denies granted requests whose anomaly report is HIGH
	BlockOnHighRisk bool
	// ClaimsFallback lets the credential's role claim stand in when the
	// subject directory cannot resolve the subject
	ClaimsFallback bool
	// TrustProxy makes the HTTP middleware honor X-Forwarded-For
	TrustProxy bool
}

// Dependencies are the collaborators composed by an Interceptor. Extractor,
// Evaluator and Source are required.
type Dependencies struct {
	Verifier  identity.Verifier
	Extractor *identity.Extractor
	Evaluator *policy.Evaluator
	Source    authority.Source
	Cache     *permcache.Cache
	Replay    *replay.Guard
	Anomaly   *anomaly.Detector
	Filler    Filler
	Audit     audit.Logger
}

// Option configures an Interceptor
type Option func(*Interceptor)

// WithRecorder adds a metrics recorder
func WithRecorder(r Recorder) Option {
	return func(i *Interceptor) {
		if r != nil {
			i.recorders = append(i.recorders, r)
		}
	}
}

// WithProviders replaces the default snapshot provider chain
func WithProviders(providers ...SnapshotProvider) Option {
	return func(i *Interceptor) { i.chain = Chain(providers) }
}

// WithClock overrides the clock used for decision timestamps
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) { i.now = now }
}

// Interceptor composes identity extraction, permission lookup, policy
// evaluation, replay protection and anomaly detection around protected
// operations. It is safe for concurrent use.
type Interceptor struct {
	deps      Dependencies
	config    Config
	chain     Chain
	logger    *observability.Logger
	recorders []Recorder
	now       func() time.Time
	tracer    trace.Tracer

	outcomes map[Outcome]*atomic.Int64
}

// New creates an interceptor. The default provider chain is cache, then
// authority, then (with ClaimsFallback) the credential's role claim.
func New(deps Dependencies, config Config, logger *observability.Logger, opts ...Option) (*Interceptor, error) {
	if deps.Extractor == nil {
		return nil, errors.New("enforcement: extractor is required")
	}
	if deps.Evaluator == nil {
		return nil, errors.New("enforcement: evaluator is required")
	}
	if deps.Source == nil {
		return nil, errors.New("enforcement: authoritative source is required")
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	logger = logger.WithField("component", "enforcement")
	if deps.Verifier == nil {
		logger.Warn("no credential verifier configured, signatures are not checked")
		deps.Verifier = identity.NoopVerifier{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.NoopLogger{}
	}
	if deps.Cache != nil && deps.Filler == nil {
		deps.Filler = async.NewRunner(logger, 0, 0)
	}

	i := &Interceptor{
		deps:     deps,
		config:   config,
		logger:   logger,
		now:      time.Now,
		tracer:   observability.Tracer(),
		outcomes: make(map[Outcome]*atomic.Int64),
	}
	for _, o := range Outcomes() {
		i.outcomes[o] = &atomic.Int64{}
	}

	if deps.Cache != nil {
		i.chain = append(i.chain, NewCacheProvider(deps.Cache))
	}
	i.chain = append(i.chain, NewAuthorityProvider(deps.Source, deps.Cache, deps.Filler, logger))
	if config.ClaimsFallback {
		i.chain = append(i.chain, NewClaimsProvider(deps.Evaluator.Matrix()))
	}

	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Authorize decides whether req may perform rule without running anything
func (i *Interceptor) Authorize(ctx context.Context, req Request, rule Rule) *Decision {
	ctx, d := i.decide(ctx, req, rule)
	i.finish(ctx, d)
	return d
}

// decide runs every step up to, but not including, the protected operation.
// The returned context carries the decision span. Callers must pass the
// decision to finish.
func (i *Interceptor) decide(ctx context.Context, req Request, rule Rule) (outCtx context.Context, d *Decision) {
	d = &Decision{
		ID:             uuid.NewString(),
		RequestID:      contextkeys.RequestID(ctx),
		StartedAt:      i.now(),
		PermissionCode: rule.permissionCode(),
		Level:          rule.Level,
		Scope:          rule.Scope,
	}

	ctx, d.span = i.tracer.Start(ctx, "enforcement.authorize", trace.WithAttributes(
		attribute.String("authz.decision_id", d.ID),
		attribute.String("authz.permission", d.PermissionCode),
		attribute.Int("authz.level", int(rule.Level)),
		attribute.String("authz.scope", string(rule.Scope)),
	))

	defer observability.RecoverPanicWithCallback(i.logFor(ctx), "authorization", func(err error) {
		d.Err = err
		d.deny(OutcomeSystemError, rule.errorCode(), rule.errorMessage())
		outCtx = ctx
	})

	claims, ok := i.extract(ctx, d, req)
	if !ok {
		return ctx, d
	}
	ctx = withClaims(contextkeys.WithSubjectID(ctx, claims.SubjectID), claims)

	snap, ok := i.lookup(ctx, d, claims, rule)
	if !ok {
		return ctx, d
	}

	verdict := i.evaluate(d, snap, rule)
	d.Verdict = &verdict
	switch {
	case verdict.ApprovalRequired:
		d.ApproverRole = verdict.ApproverRole
		d.deny(OutcomePendingApproval, CodeApprovalRequired,
			fmt.Sprintf("%s requires approval from %s", d.PermissionCode, verdict.ApproverRole))
		return ctx, d
	case !verdict.Granted:
		d.deny(OutcomeDenied, CodePolicyDenied, "permission denied: "+verdict.Reason)
		return ctx, d
	}

	if !i.guard(ctx, d, req, claims, rule) {
		return ctx, d
	}

	d.Outcome = OutcomeGranted
	return ctx, d
}

func (i *Interceptor) extract(ctx context.Context, d *Decision, req Request) (*identity.Claims, bool) {
	start := i.now()
	defer func() { d.addStep(StepExtract, start, i.now().Sub(start)) }()

	credential := req.Credential
	if credential == "" {
		d.Err = identity.ErrMissingCredential
		d.deny(OutcomeUnauthenticated, CodeAuthMissing, "authentication required")
		return nil, false
	}

	err := i.deps.Verifier.Verify(ctx, credential)
	var claims *identity.Claims
	if err == nil {
		claims, err = i.deps.Extractor.Extract(credential)
	}
	if err != nil {
		d.Err = err
		switch {
		case errors.Is(err, identity.ErrMissingCredential):
			d.deny(OutcomeUnauthenticated, CodeAuthMissing, "authentication required")
		case errors.Is(err, identity.ErrExpiredCredential):
			d.deny(OutcomeUnauthenticated, CodeAuthExpired, "credential expired")
		default:
			d.deny(OutcomeUnauthenticated, CodeAuthInvalid, "invalid credential")
		}
		return nil, false
	}

	d.SubjectID = claims.SubjectID
	d.RoleCode = claims.RoleCode
	d.TokenID = claims.TokenID
	d.span.SetAttributes(attribute.String("authz.subject_id", claims.SubjectID))
	return claims, true
}

// lookup walks the provider chain. A nil snapshot with true means no
// provider knew the subject and the matrix decides on an empty role.
func (i *Interceptor) lookup(ctx context.Context, d *Decision, claims *identity.Claims, rule Rule) (*policy.Snapshot, bool) {
	start := i.now()
	defer func() { d.addStep(StepLookup, start, i.now().Sub(start)) }()

	snap, path, err := i.chain.Resolve(ctx, Lookup{Claims: claims, Rule: rule})
	d.Path = path
	switch {
	case err == nil:
		d.RoleCode = string(snap.RoleCode)
		return snap, true
	case errors.Is(err, ErrNoSnapshot) && !errors.Is(err, ErrSourceUnavailable):
		return nil, true
	default:
		d.Err = err
		d.deny(OutcomeSystemError, rule.errorCode(), rule.errorMessage())
		return nil, false
	}
}

func (i *Interceptor) evaluate(d *Decision, snap *policy.Snapshot, rule Rule) policy.Verdict {
	start := i.now()
	defer func() { d.addStep(StepEvaluate, start, i.now().Sub(start)) }()

	switch {
	case snap == nil:
		d.Evaluation = EvaluationMatrix
		return i.deps.Evaluator.Evaluate("", rule.Level, rule.Scope)
	case d.Path == ProviderCache:
		d.Evaluation = EvaluationSnapshot
		return i.deps.Evaluator.EvaluateSnapshot(snap, rule.Level, rule.Scope)
	default:
		d.Evaluation = EvaluationMatrix
		return i.deps.Evaluator.Evaluate(snap.RoleCode, rule.Level, rule.Scope)
	}
}

// guard runs the replay check and the anomaly check concurrently. The replay
// check gates; the anomaly check only gates with BlockOnHighRisk.
func (i *Interceptor) guard(ctx context.Context, d *Decision, req Request, claims *identity.Claims, rule Rule) bool {
	var (
		replayErr    error
		replayStep   StepTiming
		report       *anomaly.Report
		anomalyStep  StepTiming
		runReplay    = rule.OneTime
		runAnomalies = i.deps.Anomaly != nil
	)

	var g errgroup.Group
	if runReplay {
		g.Go(func() (fault error) {
			replayStep.StartedAt = i.now()
			defer func() { replayStep.Duration = i.now().Sub(replayStep.StartedAt) }()
			defer observability.RecoverPanicWithCallback(i.logFor(ctx), "replay check", func(err error) { fault = err })
			replayErr = i.consume(ctx, claims)
			return nil
		})
	}
	if runAnomalies {
		g.Go(func() (fault error) {
			anomalyStep.StartedAt = i.now()
			defer func() { anomalyStep.Duration = i.now().Sub(anomalyStep.StartedAt) }()
			defer observability.RecoverPanicWithCallback(i.logFor(ctx), "anomaly check", func(err error) { fault = err })
			r := i.deps.Anomaly.CheckUsage(ctx, anomaly.UsageSample{
				SubjectID:       claims.SubjectID,
				TokenID:         claims.TokenID,
				OriginIP:        req.OriginIP,
				DeviceSignature: req.DeviceSignature,
				At:              anomalyStep.StartedAt,
			})
			report = &r
			return nil
		})
	}
	// a panic in either check is a fault, never a grant
	fault := g.Wait()

	if runReplay {
		d.addStep(StepReplay, replayStep.StartedAt, replayStep.Duration)
	}
	if runAnomalies {
		d.addStep(StepAnomaly, anomalyStep.StartedAt, anomalyStep.Duration)
		if report != nil {
			d.Anomaly = report
			for _, r := range i.recorders {
				r.RecordAnomaly(string(report.RiskLevel), report.Skipped)
			}
			if len(report.Warnings) > 0 {
				i.auditAnomaly(ctx, d, req)
			}
		}
	}

	if fault != nil {
		d.Err = fault
		d.deny(OutcomeSystemError, rule.errorCode(), rule.errorMessage())
		return false
	}

	if replayErr != nil {
		reason := replayReason(replayErr)
		for _, r := range i.recorders {
			r.RecordReplayRejection(reason)
		}
		d.Err = replayErr
		d.deny(OutcomeReplayDetected, CodeReplayDetected, "credential has already been used")
		return false
	}

	if report != nil && report.High() && i.config.BlockOnHighRisk {
		d.deny(OutcomeDenied, CodeHighRisk, "request blocked due to unusual activity")
		return false
	}
	return true
}

func (i *Interceptor) consume(ctx context.Context, claims *identity.Claims) error {
	if i.deps.Replay == nil {
		return errReplayGuardMissing
	}
	return i.deps.Replay.Consume(ctx, claims.TokenID, claims.ExpiresAt)
}

var errReplayGuardMissing = errors.New("enforcement: one-time rule without a replay guard")

func replayReason(err error) string {
	switch {
	case errors.Is(err, replay.ErrReplayDetected):
		return ReplayReused
	case errors.Is(err, replay.ErrInvalidTokenID):
		return ReplayInvalidID
	case errors.Is(err, replay.ErrLedgerUnavailable):
		return ReplayUnavailable
	default:
		return ReplayUnsupported
	}
}

// finish stamps the total latency, records metrics, audits and ends the span
func (i *Interceptor) finish(ctx context.Context, d *Decision) {
	d.Total = i.now().Sub(d.StartedAt)
	if c, ok := i.outcomes[d.Outcome]; ok {
		c.Add(1)
	}

	for _, r := range i.recorders {
		r.RecordDecision(string(d.Outcome), d.PermissionCode, d.Path, d.Total)
		for _, s := range d.Steps {
			r.RecordStep(s.Name, s.Duration)
		}
	}

	i.log(ctx, d)
	i.auditDecision(ctx, d)

	if d.span == nil {
		return
	}
	d.span.SetAttributes(
		attribute.String("authz.outcome", string(d.Outcome)),
		attribute.String("authz.path", d.Path),
		attribute.Int64("authz.total_us", d.Total.Microseconds()),
	)
	if d.Outcome == OutcomeSystemError {
		d.span.SetStatus(codes.Error, errString(d.Err))
		if d.Err != nil {
			d.span.RecordError(d.Err)
		}
	}
	d.span.End()
}

func (i *Interceptor) log(ctx context.Context, d *Decision) {
	logger := i.logFor(ctx).WithFields(map[string]interface{}{
		"decision_id": d.ID,
		"outcome":     d.Outcome,
		"permission":  d.PermissionCode,
		"path":        d.Path,
		"total_ms":    float64(d.Total.Microseconds()) / 1000,
	})
	if d.SubjectID != "" {
		logger = logger.WithField("subject_id", d.SubjectID)
	}
	if d.Denial != nil {
		logger = logger.WithField("code", d.Denial.Code)
	}

	switch d.Outcome {
	case OutcomeGranted, OutcomePendingApproval:
		logger.Debug("authorization decided")
	case OutcomeDenied, OutcomeUnauthenticated:
		if d.Err != nil {
			logger = logger.WithError(d.Err)
		}
		logger.Info("authorization refused")
	case OutcomeReplayDetected:
		logger.WithError(d.Err).Warn("one-time credential rejected")
	default:
		logger.WithError(d.Err).Error("authorization failed")
	}
}

var auditTypes = map[Outcome]struct {
	eventType audit.EventType
	severity  audit.Severity
}{
	OutcomeGranted:         {audit.EventTypeAuthzGranted, audit.SeverityInfo},
	OutcomeDenied:          {audit.EventTypeAuthzDenied, audit.SeverityWarning},
	OutcomePendingApproval: {audit.EventTypeAuthzPendingApproval, audit.SeverityInfo},
	OutcomeUnauthenticated: {audit.EventTypeAuthUnauthenticated, audit.SeverityWarning},
	OutcomeReplayDetected:  {audit.EventTypeSecurityReplayDetected, audit.SeverityCritical},
	OutcomeSystemError:     {audit.EventTypeAuthzSystemError, audit.SeverityCritical},
}

func (i *Interceptor) auditDecision(ctx context.Context, d *Decision) {
	t := auditTypes[d.Outcome]
	message := string(d.Outcome)
	if d.Denial != nil {
		message = d.Denial.Message
	}

	event := i.event(ctx, d, t.eventType, t.severity, message)
	event.Metadata["decision_id"] = d.ID
	event.Metadata["path"] = d.Path
	event.Metadata["total_ms"] = float64(d.Total.Microseconds()) / 1000
	if d.ApproverRole != "" {
		event.Metadata["approver_role"] = string(d.ApproverRole)
	}
	if d.Denial != nil {
		event.Metadata["code"] = d.Denial.Code
	}
	if err := i.deps.Audit.Log(ctx, event); err != nil {
		i.logFor(ctx).WithError(err).Warn("failed to record authorization audit event")
	}
}

func (i *Interceptor) auditAnomaly(ctx context.Context, d *Decision, req Request) {
	event := i.event(ctx, d, audit.EventTypeSecurityAnomaly, audit.SeverityWarning,
		fmt.Sprintf("anomalous usage, risk %s", d.Anomaly.RiskLevel))
	event.OriginIP = req.OriginIP
	event.DeviceSignature = req.DeviceSignature
	event.Metadata["risk_score"] = d.Anomaly.RiskScore
	event.Metadata["risk_level"] = string(d.Anomaly.RiskLevel)
	checks := make([]string, 0, len(d.Anomaly.Warnings))
	for _, w := range d.Anomaly.Warnings {
		checks = append(checks, w.Check)
	}
	event.Metadata["checks"] = checks
	if err := i.deps.Audit.Log(ctx, event); err != nil {
		i.logFor(ctx).WithError(err).Warn("failed to record anomaly audit event")
	}
}

func (i *Interceptor) event(ctx context.Context, d *Decision, t audit.EventType, s audit.Severity, message string) *audit.Event {
	event := audit.NewEvent(t, s, message)
	event.SubjectID = d.SubjectID
	event.RoleCode = d.RoleCode
	event.TokenID = d.TokenID
	event.PermissionCode = d.PermissionCode
	event.Level = int(d.Level)
	event.Scope = string(d.Scope)
	event.RequestID = d.RequestID
	event.Outcome = string(d.Outcome)
	return event
}

// logFor prefers the request-scoped logger when one is in ctx
func (i *Interceptor) logFor(ctx context.Context) *observability.Logger {
	logger := i.logger
	if _, ok := ctx.Value(contextkeys.LoggerKey).(*observability.Logger); ok {
		logger = observability.FromContext(ctx).WithField("component", "enforcement")
	}
	return observability.UpdateLoggerWithTraceContext(ctx, logger)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
