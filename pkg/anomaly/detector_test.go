package anomaly

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/noticeguard/pkg/kvstore"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setupDetector(t *testing.T) (*Detector, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	d, err := New(kvstore.NewRedisFromClient(client), DefaultConfig(), nil,
		WithClock(func() time.Time { return baseTime }))
	require.NoError(t, err)
	return d, mr
}

func sample(subject, ip, device string, at time.Time) UsageSample {
	return UsageSample{SubjectID: subject, TokenID: "tok", OriginIP: ip, DeviceSignature: device, At: at}
}

func checks(r Report) []string {
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, w.Check)
	}
	return out
}

func TestScoreAndLevel(t *testing.T) {
	tests := []struct {
		warnings int
		score    int
		level    RiskLevel
	}{
		{0, 0, RiskMinimal},
		{1, 25, RiskLow},
		{2, 50, RiskMedium},
		{3, 75, RiskHigh},
		{4, 100, RiskHigh},
		{6, 100, RiskHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.score, Score(tt.warnings))
		assert.Equal(t, tt.level, LevelFor(Score(tt.warnings)))
	}
	assert.Equal(t, RiskMinimal, LevelFor(24))
	assert.Equal(t, RiskLow, LevelFor(49))
	assert.Equal(t, RiskMedium, LevelFor(74))
}

func TestDetector_FirstObservationNeverWarns(t *testing.T) {
	d, _ := setupDetector(t)

	r := d.CheckUsage(context.Background(), sample("t.wong", "10.0.0.1", "ios-abc", baseTime))
	assert.Empty(t, r.Warnings)
	assert.Empty(t, r.Skipped)
	assert.Equal(t, 0, r.RiskScore)
	assert.Equal(t, RiskMinimal, r.RiskLevel)
	assert.False(t, r.High())
}

func TestDetector_FrequencyCap(t *testing.T) {
	d, _ := setupDetector(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		r := d.CheckUsage(ctx, sample("t.wong", "10.0.0.1", "ios-abc", baseTime.Add(time.Duration(i)*500*time.Millisecond)))
		require.Empty(t, r.Warnings, "call %d", i+1)
	}

	r := d.CheckUsage(ctx, sample("t.wong", "10.0.0.1", "ios-abc", baseTime.Add(30*time.Second)))
	require.Equal(t, []string{CheckFrequency}, checks(r))
	assert.Equal(t, int64(61), r.Warnings[0].Observed)
	assert.Equal(t, int64(60), r.Warnings[0].Threshold)
	assert.Equal(t, 25, r.RiskScore)
	assert.Equal(t, RiskLow, r.RiskLevel)

	// a minute later the window has rolled over
	r = d.CheckUsage(ctx, sample("t.wong", "10.0.0.1", "ios-abc", baseTime.Add(95*time.Second)))
	assert.Empty(t, r.Warnings)

	// other subjects are counted separately
	r = d.CheckUsage(ctx, sample("s.lee", "10.0.0.2", "android-1", baseTime.Add(30*time.Second)))
	assert.Empty(t, r.Warnings)
}

func TestDetector_IPLineage(t *testing.T) {
	d, _ := setupDetector(t)
	ctx := context.Background()

	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}
	for i, ip := range ips {
		r := d.CheckUsage(ctx, sample("t.wong", ip, "ios-abc", baseTime.Add(time.Duration(i)*time.Minute)))
		require.Empty(t, r.Warnings, "ip %s", ip)
	}

	// fourth change exceeds the threshold of three
	r := d.CheckUsage(ctx, sample("t.wong", "10.0.0.5", "ios-abc", baseTime.Add(5*time.Minute)))
	require.Equal(t, []string{CheckIP}, checks(r))
	assert.Equal(t, int64(4), r.Warnings[0].Observed)

	// repeating the current IP is not a change
	r = d.CheckUsage(ctx, sample("t.wong", "10.0.0.5", "ios-abc", baseTime.Add(6*time.Minute)))
	assert.Empty(t, r.Warnings)
}

func TestDetector_DeviceLineage(t *testing.T) {
	d, _ := setupDetector(t)
	ctx := context.Background()

	for i, dev := range []string{"dev-1", "dev-2", "dev-3"} {
		r := d.CheckUsage(ctx, sample("t.wong", "10.0.0.1", dev, baseTime.Add(time.Duration(i)*time.Minute)))
		require.Empty(t, r.Warnings, "device %s", dev)
	}

	r := d.CheckUsage(ctx, sample("t.wong", "10.0.0.1", "dev-4", baseTime.Add(4*time.Minute)))
	assert.Equal(t, []string{CheckDevice}, checks(r))
}

func TestDetector_ChangeWindowExpires(t *testing.T) {
	d, mr := setupDetector(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		d.CheckUsage(ctx, sample("t.wong", fmt.Sprintf("10.0.0.%d", i), "dev", baseTime.Add(time.Duration(i)*time.Minute)))
	}
	mr.FastForward(24*time.Hour + time.Second)

	r := d.CheckUsage(ctx, sample("t.wong", "10.0.1.1", "dev", baseTime.Add(25*time.Hour)))
	assert.Empty(t, r.Warnings)
}

func TestDetector_CombinedHighRisk(t *testing.T) {
	d, _ := setupDetector(t)
	ctx := context.Background()

	var r Report
	for i := 0; i < 61; i++ {
		r = d.CheckUsage(ctx, sample("t.wong",
			fmt.Sprintf("10.0.0.%d", i), fmt.Sprintf("dev-%d", i),
			baseTime.Add(time.Duration(i)*100*time.Millisecond)))
	}

	assert.ElementsMatch(t, []string{CheckFrequency, CheckIP, CheckDevice}, checks(r))
	assert.Equal(t, 75, r.RiskScore)
	assert.Equal(t, RiskHigh, r.RiskLevel)
	assert.True(t, r.High())
}

func TestDetector_StoreFailureSkipsChecks(t *testing.T) {
	d, mr := setupDetector(t)
	mr.SetError("ERR connection lost")

	r := d.CheckUsage(context.Background(), sample("t.wong", "10.0.0.1", "dev", baseTime))
	assert.Empty(t, r.Warnings)
	assert.ElementsMatch(t, []string{CheckFrequency, CheckIP, CheckDevice}, r.Skipped)
	assert.Equal(t, RiskMinimal, r.RiskLevel)
}

func TestDetector_MissingInputs(t *testing.T) {
	d, _ := setupDetector(t)
	ctx := context.Background()

	r := d.CheckUsage(ctx, UsageSample{})
	assert.ElementsMatch(t, []string{CheckFrequency, CheckIP, CheckDevice}, r.Skipped)

	r = d.CheckUsage(ctx, UsageSample{SubjectID: "t.wong"})
	assert.ElementsMatch(t, []string{CheckIP, CheckDevice}, r.Skipped)
	assert.Empty(t, r.Warnings)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, DefaultConfig(), nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	store := kvstore.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	cfg := DefaultConfig()
	cfg.FrequencyCap = 0
	_, err = New(store, cfg, nil)
	assert.Error(t, err)
}
