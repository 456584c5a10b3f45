package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/noticeguard/pkg/async"
	"github.com/platinummonkey/noticeguard/pkg/authority"
	"github.com/platinummonkey/noticeguard/pkg/permcache"
	"github.com/platinummonkey/noticeguard/pkg/policy"
)

// SubjectLister lists active subjects by role
type SubjectLister interface {
	SubjectsWithRoles(ctx context.Context, roles ...policy.RoleCode) ([]string, error)
}

// WarmupResult summarizes one warmup pass
type WarmupResult struct {
	Subjects int `json:"subjects"`
	Cached   int `json:"cached"`
	Failed   int `json:"failed"`
}

// Warmer preloads the permission cache so the first request of a busy
// subject takes the fast path
type Warmer struct {
	cache   *permcache.Cache
	lister  SubjectLister
	source  authority.Source
	workers int
	timeout time.Duration
}

// NewWarmer creates a warmer resolving subjects through source
func NewWarmer(cache *permcache.Cache, lister SubjectLister, source authority.Source, workers int, timeout time.Duration) *Warmer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Warmer{cache: cache, lister: lister, source: source, workers: workers, timeout: timeout}
}

// Warm caches the snapshot of every active subject holding one of roles,
// all roles when none are given
func (w *Warmer) Warm(ctx context.Context, roles ...policy.RoleCode) (WarmupResult, error) {
	if len(roles) == 0 {
		roles = policy.RoleCodes()
	}
	subjects, err := w.lister.SubjectsWithRoles(ctx, roles...)
	if err != nil {
		return WarmupResult{}, fmt.Errorf("warmup: %w", err)
	}

	errs := async.Batch(ctx, subjects, w.workers, "permission cache warmup", w.timeout,
		func(ctx context.Context, subject string) error {
			snap, err := w.source.Resolve(ctx, subject)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", subject, err)
			}
			return w.cache.Put(ctx, subject, snap, 0)
		})

	result := WarmupResult{
		Subjects: len(subjects),
		Failed:   len(errs),
		Cached:   len(subjects) - len(errs),
	}
	if result.Cached < 0 {
		result.Cached = 0
	}
	return result, errors.Join(errs...)
}
