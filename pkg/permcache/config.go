package permcache

import (
	"errors"
	"time"
)

// Key layout in the shared store
const (
	SubjectKeyPrefix = "permcache:subject:"
	RoleKeyPrefix    = "permcache:role:"
	LRUKey           = "permcache:lru"
)

// SubjectKey returns the snapshot key of a subject
func SubjectKey(subjectID string) string { return SubjectKeyPrefix + subjectID }

// RoleKey returns the role index set key of a role
func RoleKey(role string) string { return RoleKeyPrefix + role }

// Config holds cache tuning
type Config struct {
	// TTL is the default snapshot lifetime
	TTL time.Duration
	// MaxSubjects bounds the number of cached subjects used for utilization
	MaxSubjects int64
	// HighWaterMark is the utilization (0..1) that triggers proactive eviction
	HighWaterMark float64
	// EvictionBatch is how many of the oldest entries are evicted per pass
	EvictionBatch int64

	// ScanKeyCap is the hard cap on keys touched by a role eviction scan
	ScanKeyCap int
	// ScanPageSize is the SCAN COUNT hint
	ScanPageSize int64
	// ScanPagesPerSecond throttles scan pages
	ScanPagesPerSecond float64

	// OperationTimeout bounds each store call
	OperationTimeout time.Duration
	// MaxAttempts is the number of read attempts before a miss is reported
	MaxAttempts uint
	// RetryInitialInterval is the first backoff interval; it doubles per attempt
	RetryInitialInterval time.Duration

	// MemorySampleSize is how many entries are measured for the memory estimate
	MemorySampleSize int64
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		TTL:                  15 * time.Minute,
		MaxSubjects:          10000,
		HighWaterMark:        0.8,
		EvictionBatch:        100,
		ScanKeyCap:           1000,
		ScanPageSize:         100,
		ScanPagesPerSecond:   10,
		OperationTimeout:     200 * time.Millisecond,
		MaxAttempts:          3,
		RetryInitialInterval: 50 * time.Millisecond,
		MemorySampleSize:     20,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.TTL <= 0 {
		return errors.New("permcache: ttl must be positive")
	}
	if c.MaxSubjects <= 0 {
		return errors.New("permcache: max subjects must be positive")
	}
	if c.HighWaterMark <= 0 || c.HighWaterMark > 1 {
		return errors.New("permcache: high water mark must be in (0, 1]")
	}
	if c.EvictionBatch <= 0 {
		return errors.New("permcache: eviction batch must be positive")
	}
	if c.ScanKeyCap <= 0 || c.ScanPageSize <= 0 || c.ScanPagesPerSecond <= 0 {
		return errors.New("permcache: scan limits must be positive")
	}
	if c.MaxAttempts == 0 {
		return errors.New("permcache: max attempts must be at least 1")
	}
	return nil
}
