package enforcement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/platinummonkey/noticeguard/pkg/anomaly"
	"github.com/platinummonkey/noticeguard/pkg/audit"
	"github.com/platinummonkey/noticeguard/pkg/authority"
	"github.com/platinummonkey/noticeguard/pkg/identity"
	"github.com/platinummonkey/noticeguard/pkg/kvstore"
	"github.com/platinummonkey/noticeguard/pkg/observability"
	"github.com/platinummonkey/noticeguard/pkg/permcache"
	"github.com/platinummonkey/noticeguard/pkg/policy"
	"github.com/platinummonkey/noticeguard/pkg/replay"
)

func TestNew_Validation(t *testing.T) {
	matrix := policy.DefaultMatrix()
	full := Dependencies{
		Extractor: identity.NewExtractor(),
		Evaluator: policy.NewEvaluator(matrix),
		Source:    failingSource{},
	}

	_, err := New(full, Config{}, nil)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*Dependencies){
		"extractor": func(d *Dependencies) { d.Extractor = nil },
		"evaluator": func(d *Dependencies) { d.Evaluator = nil },
		"source":    func(d *Dependencies) { d.Source = nil },
	} {
		t.Run(name, func(t *testing.T) {
			deps := full
			mutate(&deps)
			_, err := New(deps, Config{}, nil)
			assert.Error(t, err)
		})
	}
}

func TestInterceptor_EndToEndScenarios(t *testing.T) {
	env := setup(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		subject string
		level   policy.Level
		scope   policy.Scope
		outcome Outcome
		reason  string
	}{
		{"teacher regular notice to class", "teacher.wang", policy.LevelRegular, policy.ScopeClass, OutcomeGranted, policy.ReasonGranted},
		{"teacher emergency notice", "teacher.wang", policy.LevelEmergency, policy.ScopeClass, OutcomeDenied, policy.ReasonLevelNotPermitted},
		{"student reminder to class", "student.liu", policy.LevelReminder, policy.ScopeClass, OutcomeGranted, policy.ReasonGranted},
		{"student regular notice", "student.liu", policy.LevelRegular, policy.ScopeClass, OutcomeDenied, ""},
		{"student reminder to grade", "student.liu", policy.LevelReminder, policy.ScopeGrade, OutcomeDenied, ""},
		{"principal emergency to school", "principal.li", policy.LevelEmergency, policy.ScopeSchool, OutcomeGranted, policy.ReasonGranted},
		{"unknown subject", "visitor.ma", policy.LevelReminder, policy.ScopeClass, OutcomeDenied, policy.ReasonUnknownRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Request{Credential: token(t, tt.subject, string(testSubjects[tt.subject]), "")}
			d := env.interceptor.Authorize(ctx, req, NewRule(tt.level, tt.scope))

			assert.Equal(t, tt.outcome, d.Outcome)
			require.NotNil(t, d.Verdict)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, d.Verdict.Reason)
			}
			assert.False(t, d.Verdict.ApprovalRequired)
			if tt.outcome == OutcomeDenied {
				require.NotNil(t, d.Denial)
				assert.Equal(t, CodePolicyDenied, d.Denial.Code)
			} else {
				assert.Nil(t, d.Denial)
			}
		})
	}
}

func TestInterceptor_UnknownRoleClaim(t *testing.T) {
	env := setup(t, Config{ClaimsFallback: true})

	req := Request{Credential: token(t, "janitor.ho", "JANITOR", "")}
	d := env.interceptor.Authorize(context.Background(), req, NewRule(policy.LevelReminder, policy.ScopeClass))

	assert.Equal(t, OutcomeDenied, d.Outcome)
	assert.Equal(t, policy.ReasonUnknownRole, d.Verdict.Reason)
	assert.Equal(t, "permission denied: unknown role", d.Denial.Message)
}

func TestInterceptor_CacheFastPath(t *testing.T) {
	env := setup(t, Config{})
	ctx := context.Background()
	rule := NewRule(policy.LevelRegular, policy.ScopeClass)

	first := env.interceptor.Authorize(ctx, requestFor(t, "teacher.wang"), rule)
	require.True(t, first.Granted())
	assert.Equal(t, ProviderAuthority, first.Path)
	assert.Equal(t, EvaluationMatrix, first.Evaluation)

	env.runner.Wait()
	assert.True(t, env.mr.Exists(permcache.SubjectKey("teacher.wang")))

	second := env.interceptor.Authorize(ctx, requestFor(t, "teacher.wang"), rule)
	require.True(t, second.Granted())
	assert.Equal(t, ProviderCache, second.Path)
	assert.Equal(t, EvaluationSnapshot, second.Evaluation)

	m := env.deps.Cache.Metrics()
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(1), m.Misses)
	assert.Equal(t, int64(1), m.Fallbacks)
}

func TestInterceptor_NonCacheableRuleBypassesCache(t *testing.T) {
	env := setup(t, Config{})
	rule := NewRule(policy.LevelRegular, policy.ScopeClass)
	rule.Cacheable = false

	for n := 0; n < 2; n++ {
		d := env.interceptor.Authorize(context.Background(), requestFor(t, "teacher.wang"), rule)
		require.True(t, d.Granted())
		assert.Equal(t, ProviderAuthority, d.Path)
	}
	env.runner.Wait()
	assert.False(t, env.mr.Exists(permcache.SubjectKey("teacher.wang")))
}

func TestInterceptor_RoleChangeNeedsEviction(t *testing.T) {
	env := setup(t, Config{})
	ctx := context.Background()
	rule := NewRule(policy.LevelRegular, policy.ScopeGrade)

	require.True(t, env.interceptor.Authorize(ctx, requestFor(t, "teacher.wang"), rule).Granted())
	env.runner.Wait()

	require.NoError(t, env.dir.Assign(ctx, authority.Assignment{SubjectID: "teacher.wang", RoleCode: policy.RoleStudent}))

	stale := env.interceptor.Authorize(ctx, requestFor(t, "teacher.wang"), rule)
	assert.True(t, stale.Granted(), "cached snapshot still reflects the old role")
	assert.Equal(t, ProviderCache, stale.Path)

	n, err := env.deps.Cache.EvictByRole(ctx, policy.RoleTeacher)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fresh := env.interceptor.Authorize(ctx, requestFor(t, "teacher.wang"), rule)
	assert.Equal(t, OutcomeDenied, fresh.Outcome)
	assert.Equal(t, ProviderAuthority, fresh.Path)
}

func TestInterceptor_StoreOutage(t *testing.T) {
	env := setup(t, Config{})
	env.mr.SetError("LOADING")
	ctx := context.Background()

	t.Run("permission lookup fails open", func(t *testing.T) {
		d := env.interceptor.Authorize(ctx, requestFor(t, "teacher.wang"), NewRule(policy.LevelRegular, policy.ScopeClass))
		assert.Equal(t, OutcomeGranted, d.Outcome)
		assert.Equal(t, ProviderAuthority, d.Path)
		require.NotNil(t, d.Anomaly)
		assert.ElementsMatch(t, []string{anomaly.CheckFrequency, anomaly.CheckIP, anomaly.CheckDevice}, d.Anomaly.Skipped)
		assert.False(t, env.deps.Cache.Metrics().StoreAvailable)
	})

	t.Run("one-time use fails closed", func(t *testing.T) {
		rule := NewRule(policy.LevelRegular, policy.ScopeClass)
		rule.OneTime = true
		req := Request{Credential: token(t, "teacher.wang", "TEACHER", "tok-outage")}

		d := env.interceptor.Authorize(ctx, req, rule)
		assert.Equal(t, OutcomeReplayDetected, d.Outcome)
		assert.ErrorIs(t, d.Err, replay.ErrLedgerUnavailable)
		assert.Contains(t, env.recorder.replays, ReplayUnavailable)
	})
}

func TestInterceptor_Unauthenticated(t *testing.T) {
	env := setup(t, Config{})

	tests := []struct {
		name       string
		credential string
		code       string
		err        error
	}{
		{"missing", "", CodeAuthMissing, identity.ErrMissingCredential},
		{"malformed", "not-a-token", CodeAuthInvalid, identity.ErrMalformedCredential},
		{"expired", encode(t, map[string]interface{}{"username": "teacher.wang", "exp": fixedNow.Add(-time.Minute).Unix()}), CodeAuthExpired, identity.ErrExpiredCredential},
		{"unsafe subject", encode(t, map[string]interface{}{"username": "x'; DROP TABLE", "exp": fixedNow.Add(time.Hour).Unix()}), CodeAuthInvalid, identity.ErrUnsafeSubject},
		{"no subject", encode(t, map[string]interface{}{"exp": fixedNow.Add(time.Hour).Unix()}), CodeAuthInvalid, identity.ErrMissingSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := env.interceptor.Authorize(context.Background(), Request{Credential: tt.credential}, NewRule(policy.LevelReminder, policy.ScopeClass))
			assert.Equal(t, OutcomeUnauthenticated, d.Outcome)
			require.NotNil(t, d.Denial)
			assert.Equal(t, tt.code, d.Denial.Code)
			assert.ErrorIs(t, d.Err, tt.err)
			assert.Empty(t, d.SubjectID)
			assert.Nil(t, d.Verdict)
		})
	}

	assert.Contains(t, env.audit.types(), audit.EventTypeAuthUnauthenticated)
}

func TestInterceptor_VerifiesSignatureBeforeExtraction(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	verifier, err := identity.NewHMACVerifier(secret, identity.HMACOptions{})
	require.NoError(t, err)

	env := setup(t, Config{}, func(d *Dependencies) { d.Verifier = verifier })
	rule := NewRule(policy.LevelRegular, policy.ScopeClass)

	sign := func(exp time.Time) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"username": "teacher.wang",
			"roleCode": "TEACHER",
			"exp":      exp.Unix(),
		}).SignedString(secret)
		require.NoError(t, err)
		return signed
	}

	d := env.interceptor.Authorize(context.Background(), Request{Credential: sign(time.Now().Add(time.Hour))}, rule)
	assert.Equal(t, OutcomeGranted, d.Outcome)

	d = env.interceptor.Authorize(context.Background(), requestFor(t, "teacher.wang"), rule)
	assert.Equal(t, OutcomeUnauthenticated, d.Outcome)
	assert.Equal(t, CodeAuthInvalid, d.Denial.Code)

	d = env.interceptor.Authorize(context.Background(), Request{Credential: sign(time.Now().Add(-time.Hour))}, rule)
	assert.Equal(t, CodeAuthExpired, d.Denial.Code)
}

func TestInterceptor_PendingApproval(t *testing.T) {
	env := setup(t, Config{})

	d := env.interceptor.Authorize(context.Background(), requestFor(t, "admin.chen"), NewRule(policy.LevelEmergency, policy.ScopeSchool))

	assert.Equal(t, OutcomePendingApproval, d.Outcome)
	assert.Equal(t, policy.RolePrincipal, d.ApproverRole)
	require.NotNil(t, d.Denial)
	assert.Equal(t, CodeApprovalRequired, d.Denial.Code)
	assert.Contains(t, d.Denial.Message, "PRINCIPAL")
	assert.False(t, d.Granted())
	assert.Contains(t, env.audit.types(), audit.EventTypeAuthzPendingApproval)
}

func TestInterceptor_OneTimeRule(t *testing.T) {
	rule := NewRule(policy.LevelRegular, policy.ScopeClass)
	rule.OneTime = true
	ctx := context.Background()

	t.Run("second use is a replay", func(t *testing.T) {
		env := setup(t, Config{})
		req := Request{Credential: token(t, "teacher.wang", "TEACHER", "tok-1")}

		first := env.interceptor.Authorize(ctx, req, rule)
		require.Equal(t, OutcomeGranted, first.Outcome)
		_, timed := first.Step(StepReplay)
		assert.True(t, timed)

		second := env.interceptor.Authorize(ctx, req, rule)
		assert.Equal(t, OutcomeReplayDetected, second.Outcome)
		assert.Equal(t, CodeReplayDetected, second.Denial.Code)
		assert.ErrorIs(t, second.Err, replay.ErrReplayDetected)
		assert.Equal(t, []string{ReplayReused}, env.recorder.replays)
		assert.Contains(t, env.audit.types(), audit.EventTypeSecurityReplayDetected)
	})

	t.Run("refused requests do not consume the token", func(t *testing.T) {
		env := setup(t, Config{})
		req := Request{Credential: token(t, "teacher.wang", "TEACHER", "tok-2")}

		emergency := rule
		emergency.Level = policy.LevelEmergency
		assert.Equal(t, OutcomeDenied, env.interceptor.Authorize(ctx, req, emergency).Outcome)
		assert.Equal(t, OutcomeGranted, env.interceptor.Authorize(ctx, req, rule).Outcome)
	})

	t.Run("missing token id", func(t *testing.T) {
		env := setup(t, Config{})
		d := env.interceptor.Authorize(ctx, requestFor(t, "teacher.wang"), rule)
		assert.Equal(t, OutcomeReplayDetected, d.Outcome)
		assert.Equal(t, []string{ReplayInvalidID}, env.recorder.replays)
	})

	t.Run("no guard configured", func(t *testing.T) {
		env := setup(t, Config{}, func(d *Dependencies) { d.Replay = nil })
		req := Request{Credential: token(t, "teacher.wang", "TEACHER", "tok-3")}
		d := env.interceptor.Authorize(ctx, req, rule)
		assert.Equal(t, OutcomeReplayDetected, d.Outcome)
		assert.Equal(t, []string{ReplayUnsupported}, env.recorder.replays)
	})
}

func newSensitiveDetector(t *testing.T) *anomaly.Detector {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	cfg := anomaly.DefaultConfig()
	cfg.FrequencyCap = 1
	cfg.IPChangeThreshold = 0
	cfg.DeviceChangeThreshold = 0
	d, err := anomaly.New(kvstore.NewRedisFromClient(client), cfg, nil)
	require.NoError(t, err)
	return d
}

func TestInterceptor_AnomalyIsAdvisory(t *testing.T) {
	rule := NewRule(policy.LevelRegular, policy.ScopeClass)
	moved := func(t *testing.T) Request {
		req := requestFor(t, "teacher.wang")
		req.OriginIP = "203.0.113.9"
		req.DeviceSignature = "android-14"
		return req
	}

	t.Run("high risk is reported", func(t *testing.T) {
		detector := newSensitiveDetector(t)
		env := setup(t, Config{}, func(d *Dependencies) { d.Anomaly = detector })
		ctx := context.Background()

		first := env.interceptor.Authorize(ctx, requestFor(t, "teacher.wang"), rule)
		require.True(t, first.Granted())
		assert.Equal(t, anomaly.RiskMinimal, first.Anomaly.RiskLevel)

		second := env.interceptor.Authorize(ctx, moved(t), rule)
		assert.True(t, second.Granted())
		assert.Equal(t, anomaly.RiskHigh, second.Anomaly.RiskLevel)
		assert.Equal(t, 75, second.Anomaly.RiskScore)
		assert.Contains(t, env.audit.types(), audit.EventTypeSecurityAnomaly)
		assert.Equal(t, []string{"MINIMAL", "HIGH"}, env.recorder.anomalies)
	})

	t.Run("caller may block high risk", func(t *testing.T) {
		detector := newSensitiveDetector(t)
		env := setup(t, Config{BlockOnHighRisk: true}, func(d *Dependencies) { d.Anomaly = detector })
		ctx := context.Background()

		require.True(t, env.interceptor.Authorize(ctx, requestFor(t, "teacher.wang"), rule).Granted())

		d := env.interceptor.Authorize(ctx, moved(t), rule)
		assert.Equal(t, OutcomeDenied, d.Outcome)
		assert.Equal(t, CodeHighRisk, d.Denial.Code)
	})

	t.Run("no detector", func(t *testing.T) {
		env := setup(t, Config{}, func(d *Dependencies) { d.Anomaly = nil })
		d := env.interceptor.Authorize(context.Background(), requestFor(t, "teacher.wang"), rule)
		assert.True(t, d.Granted())
		assert.Nil(t, d.Anomaly)
		_, timed := d.Step(StepAnomaly)
		assert.False(t, timed)
	})
}

// panickingStore fails loudly on the calls the guard step makes
type panickingStore struct {
	kvstore.Store
}

func (panickingStore) SlidingWindowAdd(context.Context, string, string, time.Time, time.Duration) (int64, error) {
	panic("sliding window exploded")
}

func (panickingStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	panic("ledger exploded")
}

func TestInterceptor_GuardPanicBecomesSystemError(t *testing.T) {
	rule := NewRule(policy.LevelRegular, policy.ScopeClass)
	rule.ErrorCode = "NOTICE_PUBLISH_FAILED"

	tests := []struct {
		name   string
		rule   Rule
		jti    string
		mutate func(t *testing.T) func(*Dependencies)
	}{
		{
			name: "anomaly detector",
			rule: rule,
			mutate: func(t *testing.T) func(*Dependencies) {
				detector, err := anomaly.New(panickingStore{}, anomaly.DefaultConfig(), nil)
				require.NoError(t, err)
				return func(d *Dependencies) { d.Anomaly = detector }
			},
		},
		{
			name: "replay guard",
			rule: func() Rule { r := rule; r.OneTime = true; return r }(),
			jti:  "tok-panic-1",
			mutate: func(t *testing.T) func(*Dependencies) {
				guard, err := replay.New(panickingStore{}, replay.DefaultConfig(), nil, replay.WithClock(fixedClock))
				require.NoError(t, err)
				return func(d *Dependencies) { d.Replay = guard }
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setup(t, Config{}, tt.mutate(t))
			req := requestFor(t, "teacher.wang")
			req.Credential = token(t, "teacher.wang", string(policy.RoleTeacher), tt.jti)

			var d *Decision
			require.NotPanics(t, func() {
				d = env.interceptor.Authorize(context.Background(), req, tt.rule)
			})

			assert.Equal(t, OutcomeSystemError, d.Outcome)
			assert.False(t, d.Granted())
			require.NotNil(t, d.Denial)
			assert.Equal(t, "NOTICE_PUBLISH_FAILED", d.Denial.Code)
			var perr *observability.PanicError
			assert.ErrorAs(t, d.Err, &perr)
		})
	}
}

func TestInterceptor_SourceFailure(t *testing.T) {
	rule := NewRule(policy.LevelRegular, policy.ScopeClass)
	rule.ErrorCode = "NOTICE_PUBLISH_FAILED"
	rule.ErrorMessage = "notice could not be published"
	broken := func(d *Dependencies) { d.Source = failingSource{err: errors.New("connection refused")} }

	t.Run("system error with the rule's code", func(t *testing.T) {
		env := setup(t, Config{}, broken)
		d := env.interceptor.Authorize(context.Background(), requestFor(t, "teacher.wang"), rule)

		assert.Equal(t, OutcomeSystemError, d.Outcome)
		assert.Equal(t, &Denial{Code: "NOTICE_PUBLISH_FAILED", Message: "notice could not be published"}, d.Denial)
		assert.ErrorIs(t, d.Err, ErrSourceUnavailable)
		assert.Contains(t, env.audit.types(), audit.EventTypeAuthzSystemError)
	})

	t.Run("default code", func(t *testing.T) {
		env := setup(t, Config{}, broken)
		d := env.interceptor.Authorize(context.Background(), requestFor(t, "teacher.wang"), NewRule(policy.LevelRegular, policy.ScopeClass))
		assert.Equal(t, DefaultErrorCode, d.Denial.Code)
	})

	t.Run("claims fallback", func(t *testing.T) {
		env := setup(t, Config{ClaimsFallback: true}, broken)
		d := env.interceptor.Authorize(context.Background(), requestFor(t, "teacher.wang"), rule)

		assert.Equal(t, OutcomeGranted, d.Outcome)
		assert.Equal(t, ProviderClaims, d.Path)
		assert.Equal(t, EvaluationMatrix, d.Evaluation)
	})
}

func TestInterceptor_AgreesWithEvaluator(t *testing.T) {
	env := setup(t, Config{}, func(d *Dependencies) { d.Anomaly = nil })
	evaluator := policy.NewEvaluator(policy.DefaultMatrix())
	ctx := context.Background()

	for pass := 0; pass < 2; pass++ {
		for subject, role := range testSubjects {
			for _, level := range policy.AllLevels() {
				for _, scope := range policy.AllScopes() {
					want := evaluator.Evaluate(role, level, scope)
					rule := NewRule(level, scope)

					d := env.interceptor.Authorize(ctx, requestFor(t, subject), rule)
					require.NotNil(t, d.Verdict)
					assert.Equal(t, want, *d.Verdict, "authorize %s %s %s pass %d", role, level, scope, pass)

					res := Protect(ctx, env.interceptor, requestFor(t, subject), rule, func(context.Context) (bool, error) {
						return true, nil
					})
					assert.Equal(t, want, *res.Decision.Verdict, "protect %s %s %s pass %d", role, level, scope, pass)
					assert.Equal(t, want.Granted, res.Value)
				}
			}
		}
		env.runner.Wait()
	}
}

func TestInterceptor_StepsAndRecorders(t *testing.T) {
	env := setup(t, Config{})
	d := env.interceptor.Authorize(context.Background(), requestFor(t, "teacher.wang"), NewRule(policy.LevelRegular, policy.ScopeClass))
	require.True(t, d.Granted())

	names := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{StepExtract, StepLookup, StepEvaluate, StepAnomaly}, names)
	assert.NotEmpty(t, d.ID)
	assert.GreaterOrEqual(t, d.Total, time.Duration(0))

	assert.Equal(t, []string{"GRANTED/authority"}, env.recorder.decisions)
	assert.Equal(t, map[string]int{StepExtract: 1, StepLookup: 1, StepEvaluate: 1, StepAnomaly: 1}, env.recorder.steps)
	assert.Equal(t, []audit.EventType{audit.EventTypeAuthzGranted}, env.audit.types())
}

func TestInterceptor_PrometheusRecorder(t *testing.T) {
	env := setup(t, Config{})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	i, err := New(env.deps, Config{}, nil, WithRecorder(metrics))
	require.NoError(t, err)

	ctx := context.Background()
	i.Authorize(ctx, requestFor(t, "teacher.wang"), NewRule(policy.LevelRegular, policy.ScopeClass))
	i.Authorize(ctx, requestFor(t, "teacher.wang"), NewRule(policy.LevelEmergency, policy.ScopeClass))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("GRANTED", policy.PermissionCode(policy.LevelRegular))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("DENIED", policy.PermissionCode(policy.LevelEmergency))))
	// refused requests never reach the anomaly check
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AnomalyRiskTotal.WithLabelValues("MINIMAL")))
}

func TestInterceptor_TraceSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	env := setup(t, Config{})
	d := env.interceptor.Authorize(context.Background(), requestFor(t, "teacher.wang"), NewRule(policy.LevelRegular, policy.ScopeClass))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "enforcement.authorize", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("authz.outcome", "GRANTED"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("authz.decision_id", d.ID))
}

func TestInterceptor_Metrics(t *testing.T) {
	env := setup(t, Config{})
	ctx := context.Background()
	rule := NewRule(policy.LevelRegular, policy.ScopeClass)

	env.interceptor.Authorize(ctx, requestFor(t, "teacher.wang"), rule)
	env.runner.Wait()
	env.interceptor.Authorize(ctx, requestFor(t, "teacher.wang"), rule)
	env.interceptor.Authorize(ctx, Request{}, rule)

	m := env.interceptor.Metrics(ctx)
	assert.Equal(t, int64(1), m.CacheHits)
	assert.Equal(t, int64(1), m.CacheMisses)
	assert.InDelta(t, 0.5, m.CacheHitRatio, 1e-9)
	assert.Equal(t, int64(1), m.Fallbacks)
	assert.Equal(t, int64(1), m.CachedKeys)
	assert.Positive(t, m.EstimatedMemoryBytes)
	assert.InDelta(t, 0.01, m.UtilizationPercent, 1e-9)
	assert.True(t, m.StoreAvailable)
	assert.Equal(t, int64(2), m.Decisions[OutcomeGranted])
	assert.Equal(t, int64(1), m.Decisions[OutcomeUnauthenticated])
	assert.Equal(t, int64(0), m.Decisions[OutcomeSystemError])
}

func TestInterceptor_MetricsWithoutCache(t *testing.T) {
	env := setup(t, Config{}, func(d *Dependencies) { d.Cache = nil })
	d := env.interceptor.Authorize(context.Background(), requestFor(t, "teacher.wang"), NewRule(policy.LevelRegular, policy.ScopeClass))
	assert.Equal(t, ProviderAuthority, d.Path)

	m := env.interceptor.Metrics(context.Background())
	assert.False(t, m.StoreAvailable)
	assert.Zero(t, m.CacheHits)
	assert.Equal(t, int64(1), m.Decisions[OutcomeGranted])
}
