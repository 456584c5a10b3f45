package permcache

import "context"

// Diagnostics describes cache occupancy
type Diagnostics struct {
	KeyCount             int64   `json:"key_count"`
	EstimatedMemoryBytes int64   `json:"estimated_memory_bytes"`
	MaxSubjects          int64   `json:"max_subjects"`
	Utilization          float64 `json:"utilization"`
	UtilizationPercent   float64 `json:"utilization_percent"`
	HighWater            bool    `json:"high_water"`
	StoreAvailable       bool    `json:"store_available"`
}

// Diagnostics reports key count, estimated memory and utilization. Memory is
// the average size of a sample of entries multiplied by the key count.
func (c *Cache) Diagnostics(ctx context.Context) Diagnostics {
	d := Diagnostics{MaxSubjects: c.config.MaxSubjects}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	_, _ = c.store.ZRemBelow(opCtx, LRUKey, float64(c.now().UnixMilli()))
	count, err := c.store.ZCard(opCtx, LRUKey)
	if err != nil {
		c.markAvailable(false)
		c.logger.WithError(err).Warn("permission cache diagnostics unavailable")
		return d
	}
	c.markAvailable(true)
	d.StoreAvailable = true
	d.KeyCount = count
	d.Utilization = float64(count) / float64(c.config.MaxSubjects)
	d.UtilizationPercent = d.Utilization * 100
	d.HighWater = d.Utilization >= c.config.HighWaterMark

	if count == 0 {
		return d
	}

	sample, err := c.store.ZOldest(opCtx, LRUKey, c.config.MemorySampleSize)
	if err != nil {
		return d
	}
	var total, measured int64
	for _, subject := range sample {
		n, err := c.store.StrLen(opCtx, SubjectKey(subject))
		if err != nil || n == 0 {
			continue
		}
		// key bytes plus value bytes
		total += n + int64(len(SubjectKey(subject)))
		measured++
	}
	if measured > 0 {
		d.EstimatedMemoryBytes = total / measured * count
	}
	return d
}
