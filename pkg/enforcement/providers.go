package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/noticeguard/pkg/async"
	"github.com/platinummonkey/noticeguard/pkg/authority"
	"github.com/platinummonkey/noticeguard/pkg/identity"
	"github.com/platinummonkey/noticeguard/pkg/observability"
	"github.com/platinummonkey/noticeguard/pkg/permcache"
	"github.com/platinummonkey/noticeguard/pkg/policy"
)

var (
	// ErrTryNext is returned by a provider that has no snapshot for the
	// subject. The chain moves on to the next provider.
	ErrTryNext = errors.New("enforcement: try next provider")

	// ErrNoSnapshot is returned when every provider passed
	ErrNoSnapshot = errors.New("enforcement: no provider resolved the subject")

	// ErrSourceUnavailable marks a pass caused by a failing source rather
	// than an unknown subject
	ErrSourceUnavailable = errors.New("enforcement: permission source unavailable")
)

// Provider names
const (
	ProviderCache     = "cache"
	ProviderAuthority = "authority"
	ProviderClaims    = "claims"
)

// Lookup is the input to a SnapshotProvider
type Lookup struct {
	Claims *identity.Claims
	Rule   Rule
}

// SnapshotProvider supplies a subject's permission snapshot or passes with
// an error wrapping ErrTryNext. Any other error stops the chain.
type SnapshotProvider interface {
	Name() string
	Snapshot(ctx context.Context, lookup Lookup) (*policy.Snapshot, error)
}

// Chain tries providers in order until one returns a snapshot
type Chain []SnapshotProvider

// Resolve returns the first snapshot and the name of the provider that
// supplied it
func (c Chain) Resolve(ctx context.Context, lookup Lookup) (*policy.Snapshot, string, error) {
	var passes []error
	for _, p := range c {
		snap, err := p.Snapshot(ctx, lookup)
		switch {
		case err == nil && snap != nil:
			return snap, p.Name(), nil
		case err == nil:
			passes = append(passes, fmt.Errorf("%s: %w", p.Name(), ErrTryNext))
		case errors.Is(err, ErrTryNext):
			passes = append(passes, fmt.Errorf("%s: %w", p.Name(), err))
		default:
			return nil, p.Name(), err
		}
	}
	return nil, "", fmt.Errorf("%w: %w", ErrNoSnapshot, errors.Join(passes...))
}

// CacheProvider serves snapshots from the permission cache
type CacheProvider struct {
	cache *permcache.Cache
}

// NewCacheProvider wraps cache
func NewCacheProvider(cache *permcache.Cache) *CacheProvider {
	return &CacheProvider{cache: cache}
}

// Name implements SnapshotProvider
func (p *CacheProvider) Name() string { return ProviderCache }

// Snapshot implements SnapshotProvider. Misses and store failures pass.
func (p *CacheProvider) Snapshot(ctx context.Context, lookup Lookup) (*policy.Snapshot, error) {
	if !lookup.Rule.Cacheable {
		return nil, fmt.Errorf("%w: rule not cacheable", ErrTryNext)
	}
	subject := lookup.Claims.SubjectID
	snap, ok := p.cache.Get(ctx, subject)
	if !ok {
		return nil, fmt.Errorf("%w: cache miss", ErrTryNext)
	}
	if snap.SubjectID != subject {
		return nil, fmt.Errorf("%w: cached snapshot for another subject", ErrTryNext)
	}
	return snap, nil
}

// Filler runs cache writes off the request path
type Filler interface {
	Go(parent context.Context, taskName string, fn func(context.Context) error) error
}

// AuthorityProvider resolves snapshots from the authoritative source and
// populates the cache in the background
type AuthorityProvider struct {
	source authority.Source
	cache  *permcache.Cache
	filler Filler
	logger *observability.Logger
}

// NewAuthorityProvider creates the provider. cache and filler may be nil, in
// which case nothing is cached.
func NewAuthorityProvider(source authority.Source, cache *permcache.Cache, filler Filler, logger *observability.Logger) *AuthorityProvider {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &AuthorityProvider{source: source, cache: cache, filler: filler, logger: logger}
}

// Name implements SnapshotProvider
func (p *AuthorityProvider) Name() string { return ProviderAuthority }

// Snapshot implements SnapshotProvider
func (p *AuthorityProvider) Snapshot(ctx context.Context, lookup Lookup) (*policy.Snapshot, error) {
	subject := lookup.Claims.SubjectID
	if p.cache != nil {
		p.cache.RecordFallback()
	}

	snap, err := p.source.Resolve(ctx, subject)
	switch {
	case errors.Is(err, authority.ErrSubjectNotFound), errors.Is(err, policy.ErrUnknownRole):
		return nil, fmt.Errorf("%w: %w", ErrTryNext, err)
	case err != nil:
		p.logger.WithError(err).WithField("subject_id", subject).Warn("authoritative permission lookup failed")
		return nil, fmt.Errorf("%w: %w: %v", ErrTryNext, ErrSourceUnavailable, err)
	}

	if p.cache != nil && p.filler != nil && lookup.Rule.Cacheable {
		fill := snap
		if err := p.filler.Go(ctx, "permission cache fill", func(ctx context.Context) error {
			return p.cache.Put(ctx, subject, fill, 0)
		}); err != nil {
			p.logger.WithError(err).WithField("subject_id", subject).Debug("permission cache fill skipped")
		}
	}
	return snap, nil
}

// ClaimsProvider derives a snapshot from the role carried by verified
// credential claims. It is the last resort when the subject directory cannot
// answer.
type ClaimsProvider struct {
	matrix policy.Matrix
	now    func() time.Time
}

// NewClaimsProvider creates the provider over matrix
func NewClaimsProvider(matrix policy.Matrix) *ClaimsProvider {
	return &ClaimsProvider{matrix: matrix, now: time.Now}
}

// Name implements SnapshotProvider
func (p *ClaimsProvider) Name() string { return ProviderClaims }

// Snapshot implements SnapshotProvider
func (p *ClaimsProvider) Snapshot(_ context.Context, lookup Lookup) (*policy.Snapshot, error) {
	role := policy.ParseRoleCode(lookup.Claims.RoleCode)
	if !role.IsKnown() {
		return nil, fmt.Errorf("%w: no usable role claim", ErrTryNext)
	}
	snap, err := p.matrix.BuildSnapshot(lookup.Claims.SubjectID, role, p.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTryNext, err)
	}
	return snap, nil
}

var _ Filler = (*async.Runner)(nil)
