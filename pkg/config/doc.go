// Package config loads noticeguard configuration from NOTICEGUARD_*
// environment variables.
//
// Component settings reuse each package's own Config type and defaults
// (permcache, replay, anomaly, kvstore, authority), so LoadConfig only
// overrides what the environment names and Validate delegates to the
// component validators.
//
//	NOTICEGUARD_PORT=8080
//	NOTICEGUARD_REDIS_URL=redis://localhost:6379/0
//	NOTICEGUARD_POSTGRES_URL=postgres://noticeguard@localhost/authz?sslmode=disable
//	NOTICEGUARD_VERIFIER=hmac            # hmac, oidc or none
//	NOTICEGUARD_HMAC_SECRET=...          # at least 32 bytes
//	NOTICEGUARD_CACHE_TTL=15m
//	NOTICEGUARD_STORE_TIMEOUT=200ms
//	NOTICEGUARD_BLOCK_HIGH_RISK=false
//	NOTICEGUARD_GAUGE_SCHEDULE="@every 30s"
package config
