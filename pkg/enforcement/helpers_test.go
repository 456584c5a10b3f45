package enforcement

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/noticeguard/pkg/anomaly"
	"github.com/platinummonkey/noticeguard/pkg/async"
	"github.com/platinummonkey/noticeguard/pkg/audit"
	"github.com/platinummonkey/noticeguard/pkg/authority"
	"github.com/platinummonkey/noticeguard/pkg/identity"
	"github.com/platinummonkey/noticeguard/pkg/kvstore"
	"github.com/platinummonkey/noticeguard/pkg/observability"
	"github.com/platinummonkey/noticeguard/pkg/permcache"
	"github.com/platinummonkey/noticeguard/pkg/policy"
	"github.com/platinummonkey/noticeguard/pkg/replay"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

var testSubjects = map[string]policy.RoleCode{
	"principal.li":  policy.RolePrincipal,
	"admin.chen":    policy.RoleAcademicAdmin,
	"director.zhao": policy.RoleGradeDirector,
	"teacher.wang":  policy.RoleTeacher,
	"student.liu":   policy.RoleStudent,
}

type testEnv struct {
	interceptor *Interceptor
	deps        Dependencies
	dir         *authority.StaticDirectory
	runner      *async.Runner
	mr          *miniredis.Miniredis
	audit       *recordingAudit
	recorder    *fakeRecorder
}

func setup(t *testing.T, cfg Config, mutate ...func(*Dependencies)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	store := kvstore.NewRedisFromClient(client)

	cacheCfg := permcache.DefaultConfig()
	cacheCfg.RetryInitialInterval = time.Millisecond
	cache, err := permcache.New(store, cacheCfg, nil)
	require.NoError(t, err)

	guard, err := replay.New(store, replay.DefaultConfig(), nil, replay.WithClock(fixedClock))
	require.NoError(t, err)

	detector, err := anomaly.New(store, anomaly.DefaultConfig(), nil)
	require.NoError(t, err)

	matrix := policy.DefaultMatrix()
	dir := authority.NewStaticDirectory(matrix, testSubjects)
	runner := async.NewRunner(nil, 8, time.Second)
	rec := &recordingAudit{}
	recorder := &fakeRecorder{}

	deps := Dependencies{
		Verifier:  identity.NoopVerifier{},
		Extractor: identity.NewExtractor(identity.WithClock(fixedClock)),
		Evaluator: policy.NewEvaluator(matrix),
		Source:    dir,
		Cache:     cache,
		Replay:    guard,
		Anomaly:   detector,
		Filler:    runner,
		Audit:     rec,
	}
	for _, m := range mutate {
		m(&deps)
	}

	i, err := New(deps, cfg, observability.NewNopLogger(), WithRecorder(recorder))
	require.NoError(t, err)

	return &testEnv{
		interceptor: i,
		deps:        deps,
		dir:         dir,
		runner:      runner,
		mr:          mr,
		audit:       rec,
		recorder:    recorder,
	}
}

// token builds an unsigned three-segment credential valid for an hour
func token(t *testing.T, subject, role, jti string) string {
	t.Helper()
	payload := map[string]interface{}{
		"username": subject,
		"roleCode": role,
		"iat":      fixedNow.Add(-time.Minute).Unix(),
		"exp":      fixedNow.Add(time.Hour).Unix(),
	}
	if jti != "" {
		payload["jti"] = jti
	}
	return encode(t, payload)
}

func encode(t *testing.T, payload map[string]interface{}) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(raw) + ".sig"
}

func requestFor(t *testing.T, subject string) Request {
	t.Helper()
	return Request{
		Credential:      token(t, subject, string(testSubjects[subject]), ""),
		OriginIP:        "10.0.0.1",
		DeviceSignature: "ios-17",
	}
}

type recordingAudit struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (r *recordingAudit) Log(_ context.Context, e *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeRecorder struct {
	mu        sync.Mutex
	decisions []string
	steps     map[string]int
	replays   []string
	anomalies []string
}

func (f *fakeRecorder) RecordDecision(outcome, _, path string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, outcome+"/"+path)
}

func (f *fakeRecorder) RecordStep(step string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.steps == nil {
		f.steps = make(map[string]int)
	}
	f.steps[step]++
}

func (f *fakeRecorder) RecordReplayRejection(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replays = append(f.replays, reason)
}

func (f *fakeRecorder) RecordAnomaly(riskLevel string, _ []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anomalies = append(f.anomalies, riskLevel)
}

type failingSource struct{ err error }

func (f failingSource) Resolve(context.Context, string) (*policy.Snapshot, error) {
	return nil, f.err
}
