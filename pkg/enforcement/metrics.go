package enforcement

import "context"

// MetricsSnapshot is a read-only view of cache effectiveness and decision
// counts
type MetricsSnapshot struct {
	CacheHits            int64   `json:"cache_hits"`
	CacheMisses          int64   `json:"cache_misses"`
	CacheHitRatio        float64 `json:"cache_hit_ratio"`
	Fallbacks            int64   `json:"authority_fallbacks"`
	CachedKeys           int64   `json:"cached_keys"`
	EstimatedMemoryBytes int64   `json:"estimated_memory_bytes"`
	UtilizationPercent   float64 `json:"utilization_percent"`
	StoreAvailable       bool    `json:"store_available"`

	Decisions map[Outcome]int64 `json:"decisions"`

	ReplayRejections int64 `json:"replay_rejections"`
	ReplayAlerts     int64 `json:"replay_alerts"`
}

// Metrics returns the current snapshot. Without a cache the cache fields are
// zero and the store is reported unavailable.
func (i *Interceptor) Metrics(ctx context.Context) MetricsSnapshot {
	m := MetricsSnapshot{Decisions: make(map[Outcome]int64, len(i.outcomes))}
	for o, c := range i.outcomes {
		m.Decisions[o] = c.Load()
	}

	if i.deps.Replay != nil {
		stats := i.deps.Replay.Stats()
		m.ReplayRejections = stats.Replays
		m.ReplayAlerts = stats.Alerts
	}

	if i.deps.Cache == nil {
		return m
	}
	cm := i.deps.Cache.Metrics()
	m.CacheHits = cm.Hits
	m.CacheMisses = cm.Misses
	m.CacheHitRatio = cm.HitRatio
	m.Fallbacks = cm.Fallbacks

	diag := i.deps.Cache.Diagnostics(ctx)
	m.CachedKeys = diag.KeyCount
	m.EstimatedMemoryBytes = diag.EstimatedMemoryBytes
	m.UtilizationPercent = diag.UtilizationPercent
	m.StoreAvailable = diag.StoreAvailable
	return m
}
