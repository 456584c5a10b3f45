package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/noticeguard/pkg/anomaly"
	"github.com/platinummonkey/noticeguard/pkg/authority"
	"github.com/platinummonkey/noticeguard/pkg/kvstore"
	"github.com/platinummonkey/noticeguard/pkg/observability"
	"github.com/platinummonkey/noticeguard/pkg/permcache"
	"github.com/platinummonkey/noticeguard/pkg/replay"
)

// Verifier modes
const (
	VerifierHMAC = "hmac"
	VerifierOIDC = "oidc"
	VerifierNone = "none"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Redis         kvstore.Config
	Database      authority.DBConfig
	Identity      IdentityConfig
	Policy        PolicyConfig
	Cache         permcache.Config
	Replay        replay.Config
	Anomaly       anomaly.Config
	Enforcement   EnforcementConfig
	Jobs          JobsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// TrustProxy honors X-Forwarded-For when deriving the origin IP
	TrustProxy bool
}

// IdentityConfig selects how credential signatures are verified upstream of
// claim extraction
type IdentityConfig struct {
	Verifier   string
	HMACSecret string
	Issuer     string
	Audience   string
	Leeway     time.Duration

	OIDCIssuerURL string
	OIDCClientID  string
	OIDCJWKSURL   string
}

// PolicyConfig locates an optional role matrix override
type PolicyConfig struct {
	MatrixFile string
}

// EnforcementConfig holds interceptor behavior switches
type EnforcementConfig struct {
	// BlockOnHighRisk denies requests whose anomaly report is HIGH
	BlockOnHighRisk bool
	// ClaimsFallback lets a verified role claim stand in when both the cache
	// and the authority cannot answer
	ClaimsFallback bool
	// FillWorkers bounds concurrent asynchronous cache fills
	FillWorkers int
	FillTimeout time.Duration
	AuditToDB   bool
	AuditAsync  bool
}

// JobsConfig holds cron schedules for background maintenance
type JobsConfig struct {
	// GaugeSchedule refreshes cache and pool gauges
	GaugeSchedule string
	// WarmupSchedule re-populates the cache from the authority; empty disables it
	WarmupSchedule string
	WarmupWorkers  int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Redis:         loadRedisConfig(),
		Database:      loadDatabaseConfig(),
		Identity:      loadIdentityConfig(),
		Policy:        PolicyConfig{MatrixFile: getEnv("NOTICEGUARD_POLICY_FILE", "")},
		Cache:         loadCacheConfig(),
		Replay:        loadReplayConfig(),
		Anomaly:       loadAnomalyConfig(),
		Enforcement:   loadEnforcementConfig(),
		Jobs:          loadJobsConfig(),
		Observability: loadObservabilityConfig(),
	}
	// audit rows have nowhere to go without a database
	if cfg.Database.URL == "" {
		cfg.Enforcement.AuditToDB = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("NOTICEGUARD_HOST", "0.0.0.0"),
		Port:            getEnv("NOTICEGUARD_PORT", "8080"),
		ReadTimeout:     getEnvDuration("NOTICEGUARD_READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getEnvDuration("NOTICEGUARD_WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:     getEnvDuration("NOTICEGUARD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("NOTICEGUARD_SHUTDOWN_TIMEOUT", 30*time.Second),
		TrustProxy:      getEnvBool("NOTICEGUARD_TRUST_PROXY", false),
	}
}

func loadRedisConfig() kvstore.Config {
	cfg := kvstore.DefaultConfig()
	cfg.URL = getEnv("NOTICEGUARD_REDIS_URL", cfg.URL)
	cfg.Password = getEnv("NOTICEGUARD_REDIS_PASSWORD", cfg.Password)
	cfg.DB = getEnvInt("NOTICEGUARD_REDIS_DB", cfg.DB)
	cfg.MaxRetries = getEnvInt("NOTICEGUARD_REDIS_MAX_RETRIES", cfg.MaxRetries)
	cfg.PoolSize = getEnvInt("NOTICEGUARD_REDIS_POOL_SIZE", cfg.PoolSize)
	cfg.ReadTimeout = getEnvDuration("NOTICEGUARD_REDIS_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getEnvDuration("NOTICEGUARD_REDIS_WRITE_TIMEOUT", cfg.WriteTimeout)
	return cfg
}

func loadDatabaseConfig() authority.DBConfig {
	return authority.DBConfig{
		URL:         getEnv("NOTICEGUARD_POSTGRES_URL", ""),
		MaxConns:    getEnvInt("NOTICEGUARD_POSTGRES_MAX_CONNS", 20),
		MinConns:    getEnvInt("NOTICEGUARD_POSTGRES_MIN_CONNS", 2),
		Timeout:     getEnvDuration("NOTICEGUARD_POSTGRES_TIMEOUT", 5*time.Second),
		MaxLifetime: getEnvDuration("NOTICEGUARD_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("NOTICEGUARD_POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
	}
}

func loadIdentityConfig() IdentityConfig {
	return IdentityConfig{
		Verifier:      strings.ToLower(getEnv("NOTICEGUARD_VERIFIER", VerifierHMAC)),
		HMACSecret:    getEnv("NOTICEGUARD_HMAC_SECRET", ""),
		Issuer:        getEnv("NOTICEGUARD_TOKEN_ISSUER", ""),
		Audience:      getEnv("NOTICEGUARD_TOKEN_AUDIENCE", ""),
		Leeway:        getEnvDuration("NOTICEGUARD_TOKEN_LEEWAY", 0),
		OIDCIssuerURL: getEnv("NOTICEGUARD_OIDC_ISSUER_URL", ""),
		OIDCClientID:  getEnv("NOTICEGUARD_OIDC_CLIENT_ID", ""),
		OIDCJWKSURL:   getEnv("NOTICEGUARD_OIDC_JWKS_URL", ""),
	}
}

func loadCacheConfig() permcache.Config {
	cfg := permcache.DefaultConfig()
	cfg.TTL = getEnvDuration("NOTICEGUARD_CACHE_TTL", cfg.TTL)
	cfg.MaxSubjects = getEnvInt64("NOTICEGUARD_CACHE_MAX_SUBJECTS", cfg.MaxSubjects)
	cfg.HighWaterMark = getEnvFloat("NOTICEGUARD_CACHE_HIGH_WATER", cfg.HighWaterMark)
	cfg.EvictionBatch = getEnvInt64("NOTICEGUARD_CACHE_EVICTION_BATCH", cfg.EvictionBatch)
	cfg.ScanKeyCap = getEnvInt("NOTICEGUARD_CACHE_SCAN_KEY_CAP", cfg.ScanKeyCap)
	cfg.ScanPagesPerSecond = getEnvFloat("NOTICEGUARD_CACHE_SCAN_RATE", cfg.ScanPagesPerSecond)
	cfg.OperationTimeout = getEnvDuration("NOTICEGUARD_STORE_TIMEOUT", cfg.OperationTimeout)
	return cfg
}

func loadReplayConfig() replay.Config {
	cfg := replay.DefaultConfig()
	cfg.SafetyBuffer = getEnvDuration("NOTICEGUARD_REPLAY_BUFFER", cfg.SafetyBuffer)
	cfg.MinTTL = getEnvDuration("NOTICEGUARD_REPLAY_MIN_TTL", cfg.MinTTL)
	cfg.MaxTTL = getEnvDuration("NOTICEGUARD_REPLAY_MAX_TTL", cfg.MaxTTL)
	cfg.AlertThreshold = getEnvInt64("NOTICEGUARD_REPLAY_ALERT_THRESHOLD", cfg.AlertThreshold)
	cfg.OperationTimeout = getEnvDuration("NOTICEGUARD_STORE_TIMEOUT", cfg.OperationTimeout)
	return cfg
}

func loadAnomalyConfig() anomaly.Config {
	cfg := anomaly.DefaultConfig()
	cfg.FrequencyCap = getEnvInt64("NOTICEGUARD_ANOMALY_FREQUENCY_CAP", cfg.FrequencyCap)
	cfg.IPChangeThreshold = getEnvInt64("NOTICEGUARD_ANOMALY_IP_THRESHOLD", cfg.IPChangeThreshold)
	cfg.DeviceChangeThreshold = getEnvInt64("NOTICEGUARD_ANOMALY_DEVICE_THRESHOLD", cfg.DeviceChangeThreshold)
	cfg.OperationTimeout = getEnvDuration("NOTICEGUARD_STORE_TIMEOUT", cfg.OperationTimeout)
	return cfg
}

func loadEnforcementConfig() EnforcementConfig {
	return EnforcementConfig{
		BlockOnHighRisk: getEnvBool("NOTICEGUARD_BLOCK_HIGH_RISK", false),
		ClaimsFallback:  getEnvBool("NOTICEGUARD_CLAIMS_FALLBACK", false),
		FillWorkers:     getEnvInt("NOTICEGUARD_FILL_WORKERS", 64),
		FillTimeout:     getEnvDuration("NOTICEGUARD_FILL_TIMEOUT", 2*time.Second),
		AuditToDB:       getEnvBool("NOTICEGUARD_AUDIT_DB", true),
		AuditAsync:      getEnvBool("NOTICEGUARD_AUDIT_ASYNC", true),
	}
}

func loadJobsConfig() JobsConfig {
	return JobsConfig{
		GaugeSchedule:  getEnv("NOTICEGUARD_GAUGE_SCHEDULE", "@every 30s"),
		WarmupSchedule: getEnv("NOTICEGUARD_WARMUP_SCHEDULE", ""),
		WarmupWorkers:  getEnvInt("NOTICEGUARD_WARMUP_WORKERS", 8),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLevel(getEnv("NOTICEGUARD_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("NOTICEGUARD_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("NOTICEGUARD_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("NOTICEGUARD_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("NOTICEGUARD_OTEL_SERVICE_NAME", "noticeguard"),
		OTelServiceVersion: getEnv("NOTICEGUARD_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("NOTICEGUARD_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("NOTICEGUARD_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis URL is required")
	}

	switch c.Identity.Verifier {
	case VerifierHMAC:
		if len(c.Identity.HMACSecret) < 32 {
			return errors.New("HMAC secret must be at least 32 bytes")
		}
	case VerifierOIDC:
		if c.Identity.OIDCIssuerURL == "" || c.Identity.OIDCClientID == "" {
			return errors.New("OIDC issuer URL and client id are required for the oidc verifier")
		}
	case VerifierNone:
	default:
		return fmt.Errorf("invalid verifier: %s (must be hmac, oidc, or none)", c.Identity.Verifier)
	}

	if c.Database.URL != "" && c.Database.MaxConns < c.Database.MinConns {
		return errors.New("postgres max conns must not be below min conns")
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Replay.Validate(); err != nil {
		return err
	}
	if err := c.Anomaly.Validate(); err != nil {
		return err
	}
	if c.Enforcement.FillWorkers <= 0 {
		return errors.New("fill workers must be positive")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Jobs.GaugeSchedule); err != nil {
		return fmt.Errorf("invalid gauge schedule %q: %w", c.Jobs.GaugeSchedule, err)
	}
	if c.Jobs.WarmupSchedule != "" {
		if _, err := parser.Parse(c.Jobs.WarmupSchedule); err != nil {
			return fmt.Errorf("invalid warmup schedule %q: %w", c.Jobs.WarmupSchedule, err)
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
