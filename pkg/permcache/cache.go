package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/noticeguard/pkg/kvstore"
	"github.com/platinummonkey/noticeguard/pkg/observability"
	"github.com/platinummonkey/noticeguard/pkg/policy"
)

// Cache stores per-subject permission snapshots in the shared store.
// Reads never fail: store errors and corrupt entries are reported as misses.
type Cache struct {
	store    kvstore.Store
	config   Config
	logger   *observability.Logger
	recorder Recorder
	limiter  *rate.Limiter
	now      func() time.Time
	counters counters
}

// Option configures a Cache
type Option func(*Cache)

// WithRecorder attaches a metrics recorder
func WithRecorder(r Recorder) Option {
	return func(c *Cache) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithClock overrides the clock used for snapshot timestamps and LRU scores
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache on top of store
func New(store kvstore.Store, config Config, logger *observability.Logger, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, errors.New("permcache: store is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	c := &Cache{
		store:    store,
		config:   config,
		logger:   logger.WithField("component", "permcache"),
		recorder: nopRecorder{},
		limiter:  rate.NewLimiter(rate.Limit(config.ScanPagesPerSecond), 1),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the cache configuration
func (c *Cache) Config() Config {
	return c.config
}

// Get returns the cached snapshot of subjectID. The second result is false on
// a miss, including when the store could not be reached.
func (c *Cache) Get(ctx context.Context, subjectID string) (*policy.Snapshot, bool) {
	if subjectID == "" {
		c.miss(ResultMiss)
		return nil, false
	}

	raw, err := backoff.Retry(ctx, func() (string, error) {
		opCtx, cancel := c.opContext(ctx)
		defer cancel()
		v, err := c.store.Get(opCtx, SubjectKey(subjectID))
		if err != nil && !kvstore.IsUnavailable(err) {
			return "", backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(c.backoff()), backoff.WithMaxTries(c.config.MaxAttempts))

	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			c.markAvailable(true)
			c.miss(ResultMiss)
			return nil, false
		}
		c.markAvailable(false)
		c.counters.storeErrors.Add(1)
		c.logger.WithError(err).WithField("subject_id", subjectID).Warn("permission cache read failed, treating as miss")
		c.miss(ResultError)
		return nil, false
	}
	c.markAvailable(true)

	var snap policy.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil || snap.CacheVersion != policy.SnapshotVersion || snap.SubjectID != subjectID {
		c.counters.corrupt.Add(1)
		c.logger.WithField("subject_id", subjectID).Warn("discarding unreadable permission snapshot")
		c.dropCorrupt(ctx, subjectID)
		c.miss(ResultCorrupt)
		return nil, false
	}

	c.counters.hits.Add(1)
	c.recorder.RecordCacheLookup(ResultHit)
	return &snap, true
}

// Put caches snapshot for ttl (the configured TTL when ttl <= 0), indexes the
// subject under its role and evicts the oldest entries when utilization
// crosses the high-water mark.
func (c *Cache) Put(ctx context.Context, subjectID string, snapshot *policy.Snapshot, ttl time.Duration) error {
	if subjectID == "" || snapshot == nil {
		return errors.New("permcache: subject and snapshot are required")
	}
	if snapshot.SubjectID != subjectID {
		return fmt.Errorf("permcache: snapshot belongs to %q, not %q", snapshot.SubjectID, subjectID)
	}
	if ttl <= 0 {
		ttl = c.config.TTL
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.store.Set(opCtx, SubjectKey(subjectID), string(data), ttl); err != nil {
		c.markAvailable(false)
		return fmt.Errorf("failed to cache snapshot for %s: %w", subjectID, err)
	}

	roleKey := RoleKey(string(snapshot.RoleCode))
	if err := c.store.SAdd(opCtx, roleKey, subjectID); err != nil {
		c.markAvailable(false)
		return fmt.Errorf("failed to index subject %s under role: %w", subjectID, err)
	}
	// the index must outlive every snapshot it lists
	if _, err := c.store.ExtendExpire(opCtx, roleKey, 2*ttl); err != nil {
		return fmt.Errorf("failed to set role index ttl: %w", err)
	}

	score := float64(c.now().Add(ttl).UnixMilli())
	if err := c.store.ZAdd(opCtx, LRUKey, kvstore.ScoredMember{Member: subjectID, Score: score}); err != nil {
		return fmt.Errorf("failed to track cache entry age: %w", err)
	}
	c.markAvailable(true)

	c.evictIfFull(ctx)
	return nil
}

// Evict removes one subject's snapshot and its role index membership
func (c *Cache) Evict(ctx context.Context, subjectID string) error {
	role := c.snapshotRole(ctx, SubjectKey(subjectID))

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	n, err := c.store.Del(opCtx, SubjectKey(subjectID))
	if err != nil {
		c.markAvailable(false)
		return fmt.Errorf("failed to evict %s: %w", subjectID, err)
	}
	if role != "" {
		if err := c.store.SRem(opCtx, RoleKey(string(role)), subjectID); err != nil {
			return fmt.Errorf("failed to unindex %s: %w", subjectID, err)
		}
	}
	if err := c.store.ZRem(opCtx, LRUKey, subjectID); err != nil {
		return fmt.Errorf("failed to untrack %s: %w", subjectID, err)
	}
	c.recordEvictions(EvictExplicit, int(n))
	return nil
}

// Flush drops every cached snapshot, every role index and the age index.
// Each namespace is deleted in bounded passes of ScanKeyCap keys.
func (c *Cache) Flush(ctx context.Context) (int, error) {
	evicted, err := c.deleteAll(ctx, SubjectKeyPrefix+"*")
	c.recordEvictions(EvictFlush, evicted)
	if err != nil {
		c.markAvailable(false)
		return evicted, fmt.Errorf("failed to flush snapshots: %w", err)
	}
	if _, err := c.deleteAll(ctx, RoleKeyPrefix+"*"); err != nil {
		return evicted, fmt.Errorf("failed to flush role indexes: %w", err)
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	if _, err := c.store.Del(opCtx, LRUKey); err != nil {
		return evicted, fmt.Errorf("failed to flush age index: %w", err)
	}

	c.markAvailable(true)
	c.logger.WithField("evicted", evicted).Info("flushed permission cache")
	return evicted, nil
}

func (c *Cache) deleteAll(ctx context.Context, pattern string) (int, error) {
	total := 0
	for {
		opCtx, cancel := c.opContext(ctx)
		n, err := c.store.DeletePattern(opCtx, pattern, c.config.ScanKeyCap)
		cancel()
		total += n
		if err != nil || n < c.config.ScanKeyCap {
			return total, err
		}
	}
}

// EvictByRole evicts every subject cached under role. The role index set is
// used when present; otherwise a bounded, throttled scan of the snapshot
// namespace runs instead.
func (c *Cache) EvictByRole(ctx context.Context, role policy.RoleCode) (int, error) {
	roleKey := RoleKey(string(role))

	opCtx, cancel := c.opContext(ctx)
	members, err := c.store.SMembers(opCtx, roleKey)
	cancel()

	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		return c.evictByScan(ctx, role)
	case err != nil:
		c.markAvailable(false)
		return 0, fmt.Errorf("failed to read role index %s: %w", role, err)
	}

	evicted := 0
	for start := 0; start < len(members); start += int(c.config.EvictionBatch) {
		end := start + int(c.config.EvictionBatch)
		if end > len(members) {
			end = len(members)
		}
		n, err := c.deleteSubjects(ctx, members[start:end])
		evicted += n
		if err != nil {
			c.recordEvictions(EvictRole, evicted)
			return evicted, err
		}
	}

	opCtx, cancel = c.opContext(ctx)
	defer cancel()
	if _, err := c.store.Del(opCtx, roleKey); err != nil {
		return evicted, fmt.Errorf("failed to drop role index %s: %w", role, err)
	}

	c.recordEvictions(EvictRole, evicted)
	c.logger.WithFields(map[string]interface{}{
		"role":    role,
		"evicted": evicted,
	}).Info("evicted permission snapshots by role")
	return evicted, nil
}

func (c *Cache) evictByScan(ctx context.Context, role policy.RoleCode) (int, error) {
	c.logger.WithFields(map[string]interface{}{
		"role":     role,
		"key_cap":  c.config.ScanKeyCap,
		"page_qps": c.config.ScanPagesPerSecond,
	}).Warn("role index missing, falling back to bounded scan of permission cache")

	var (
		cursor  uint64
		touched int
		victims []string
	)
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("role scan interrupted: %w", err)
		}

		opCtx, cancel := c.opContext(ctx)
		keys, next, err := c.store.Scan(opCtx, cursor, SubjectKeyPrefix+"*", c.config.ScanPageSize)
		cancel()
		if err != nil {
			c.markAvailable(false)
			return 0, fmt.Errorf("role scan failed: %w", err)
		}

		for _, key := range keys {
			if touched >= c.config.ScanKeyCap {
				break
			}
			touched++
			if c.snapshotRole(ctx, key) == role {
				victims = append(victims, key[len(SubjectKeyPrefix):])
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
		if touched >= c.config.ScanKeyCap {
			c.logger.WithFields(map[string]interface{}{
				"role":    role,
				"touched": touched,
			}).Warn("role scan stopped at key cap, some snapshots may remain until ttl")
			break
		}
	}

	evicted, err := c.deleteSubjects(ctx, victims)
	c.recordEvictions(EvictRoleScan, evicted)
	return evicted, err
}

func (c *Cache) snapshotRole(ctx context.Context, key string) policy.RoleCode {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	raw, err := c.store.Get(opCtx, key)
	if err != nil {
		return ""
	}
	var snap struct {
		RoleCode policy.RoleCode `json:"role_code"`
	}
	if json.Unmarshal([]byte(raw), &snap) != nil {
		return ""
	}
	return snap.RoleCode
}

func (c *Cache) deleteSubjects(ctx context.Context, subjects []string) (int, error) {
	if len(subjects) == 0 {
		return 0, nil
	}
	keys := make([]string, len(subjects))
	for i, s := range subjects {
		keys[i] = SubjectKey(s)
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	n, err := c.store.Del(opCtx, keys...)
	if err != nil {
		c.markAvailable(false)
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	if err := c.store.ZRem(opCtx, LRUKey, subjects...); err != nil {
		return int(n), fmt.Errorf("failed to untrack snapshots: %w", err)
	}
	return int(n), nil
}

// evictIfFull drops the batch closest to expiry when utilization is at or
// above the high-water mark. The age index is scored by expiry time, so with
// a uniform TTL this is oldest-first.
func (c *Cache) evictIfFull(ctx context.Context) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	if _, err := c.store.ZRemBelow(opCtx, LRUKey, float64(c.now().UnixMilli())); err != nil {
		c.logger.WithError(err).Debug("failed to prune expired cache entries from age index")
	}

	count, err := c.store.ZCard(opCtx, LRUKey)
	if err != nil {
		return
	}
	if float64(count)/float64(c.config.MaxSubjects) < c.config.HighWaterMark {
		return
	}

	oldest, err := c.store.ZOldest(opCtx, LRUKey, c.config.EvictionBatch)
	if err != nil {
		c.logger.WithError(err).Warn("failed to select entries for eviction")
		return
	}
	n, err := c.deleteSubjects(ctx, oldest)
	if err != nil {
		c.logger.WithError(err).Warn("high-water eviction failed")
	}
	c.recordEvictions(EvictHighWater, n)
	c.logger.WithFields(map[string]interface{}{
		"cached":      count,
		"max":         c.config.MaxSubjects,
		"evicted":     n,
		"utilization": float64(count) / float64(c.config.MaxSubjects),
	}).Info("permission cache above high-water mark, evicted oldest entries")
}

// RecordFallback counts a lookup that had to go to the authoritative source
func (c *Cache) RecordFallback() {
	c.counters.fallbacks.Add(1)
	c.recorder.RecordCacheFallback()
}

// Metrics returns a copy of the cache counters
func (c *Cache) Metrics() Metrics {
	return c.counters.snapshot()
}

func (c *Cache) miss(result string) {
	c.counters.misses.Add(1)
	c.recorder.RecordCacheLookup(result)
}

func (c *Cache) markAvailable(ok bool) {
	c.counters.unavailable.Store(!ok)
}

func (c *Cache) recordEvictions(reason string, n int) {
	if n <= 0 {
		return
	}
	c.counters.evictions.Add(int64(n))
	c.recorder.RecordCacheEviction(reason, n)
}

func (c *Cache) dropCorrupt(ctx context.Context, subjectID string) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	_, _ = c.store.Del(opCtx, SubjectKey(subjectID))
}

func (c *Cache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.OperationTimeout)
}

func (c *Cache) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryInitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 4 * c.config.RetryInitialInterval
	return b
}
