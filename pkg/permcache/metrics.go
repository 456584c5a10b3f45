package permcache

import "sync/atomic"

// Lookup results reported to a Recorder
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultError   = "error"
	ResultCorrupt = "corrupt"
)

// Eviction reasons reported to a Recorder
const (
	EvictExplicit  = "explicit"
	EvictRole      = "role"
	EvictRoleScan  = "role_scan"
	EvictHighWater = "high_water"
	EvictFlush     = "flush"
)

// Recorder receives cache events, typically backed by Prometheus collectors
type Recorder interface {
	RecordCacheLookup(result string)
	RecordCacheFallback()
	RecordCacheEviction(reason string, count int)
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheLookup(string)        {}
func (nopRecorder) RecordCacheFallback()            {}
func (nopRecorder) RecordCacheEviction(string, int) {}

// Metrics is a point-in-time copy of the cache counters
type Metrics struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRatio       float64 `json:"hit_ratio"`
	Fallbacks      int64   `json:"fallbacks"`
	Evictions      int64   `json:"evictions"`
	StoreErrors    int64   `json:"store_errors"`
	CorruptEntries int64   `json:"corrupt_entries"`
	StoreAvailable bool    `json:"store_available"`
}

// counters are owned by one Cache instance
type counters struct {
	hits        atomic.Int64
	misses      atomic.Int64
	fallbacks   atomic.Int64
	evictions   atomic.Int64
	storeErrors atomic.Int64
	corrupt     atomic.Int64
	unavailable atomic.Bool
}

func (c *counters) snapshot() Metrics {
	m := Metrics{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Fallbacks:      c.fallbacks.Load(),
		Evictions:      c.evictions.Load(),
		StoreErrors:    c.storeErrors.Load(),
		CorruptEntries: c.corrupt.Load(),
		StoreAvailable: !c.unavailable.Load(),
	}
	if total := m.Hits + m.Misses; total > 0 {
		m.HitRatio = float64(m.Hits) / float64(total)
	}
	return m
}
