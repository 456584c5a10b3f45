package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/platinummonkey/noticeguard/pkg/audit"
	"github.com/platinummonkey/noticeguard/pkg/kvstore"
	"github.com/platinummonkey/noticeguard/pkg/observability"
)

// Key layout in the shared store
const (
	UsedKeyPrefix     = "replay:jti:"
	AttemptsKeyPrefix = "replay:attempts:"
)

// MaxTokenIDLength is the longest token id accepted
const MaxTokenIDLength = 255

var (
	// ErrReplayDetected is returned when a token id has already been used
	ErrReplayDetected = errors.New("replay: token already used")

	// ErrInvalidTokenID is returned for empty or malformed token ids
	ErrInvalidTokenID = errors.New("replay: invalid token id")

	// ErrLedgerUnavailable is returned when the ledger could not be consulted.
	// Callers must block the request.
	ErrLedgerUnavailable = errors.New("replay: ledger unavailable")
)

// Config holds ledger tuning
type Config struct {
	// SafetyBuffer is added to the token's remaining lifetime
	SafetyBuffer time.Duration
	// MinTTL and MaxTTL clamp the ledger entry lifetime
	MinTTL time.Duration
	MaxTTL time.Duration
	// AttemptWindow is how long reuse attempts are counted
	AttemptWindow time.Duration
	// AlertThreshold is the attempt count that raises a security alert
	AlertThreshold int64
	// OperationTimeout bounds each store call
	OperationTimeout time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		SafetyBuffer:     5 * time.Minute,
		MinTTL:           10 * time.Minute,
		MaxTTL:           30 * time.Minute,
		AttemptWindow:    30 * time.Minute,
		AlertThreshold:   5,
		OperationTimeout: 200 * time.Millisecond,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MinTTL <= 0 || c.MaxTTL < c.MinTTL {
		return errors.New("replay: ttl bounds must satisfy 0 < min <= max")
	}
	if c.AttemptWindow <= 0 {
		return errors.New("replay: attempt window must be positive")
	}
	if c.AlertThreshold <= 0 {
		return errors.New("replay: alert threshold must be positive")
	}
	return nil
}

// Entry describes a ledger record
type Entry struct {
	TokenID   string        `json:"token_id"`
	FirstUse  time.Time     `json:"first_use"`
	Attempts  int64         `json:"attempts"`
	Remaining time.Duration `json:"remaining"`
}

// Stats is a point-in-time copy of guard counters
type Stats struct {
	Consumed      int64 `json:"consumed"`
	Replays       int64 `json:"replays"`
	Alerts        int64 `json:"alerts"`
	StoreFailures int64 `json:"store_failures"`
}

// Guard is a one-time-use ledger for token ids. Every ambiguous outcome,
// including store failures, is treated as "used".
type Guard struct {
	store  kvstore.Store
	config Config
	audit  audit.Logger
	logger *observability.Logger
	now    func() time.Time

	consumed      atomic.Int64
	replays       atomic.Int64
	alerts        atomic.Int64
	storeFailures atomic.Int64
}

// Option configures a Guard
type Option func(*Guard)

// WithClock overrides the clock used for ttl computation
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithAuditLogger sets the sink for replay alerts
func WithAuditLogger(l audit.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.audit = l
		}
	}
}

// New creates a guard on top of store
func New(store kvstore.Store, config Config, logger *observability.Logger, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, errors.New("replay: store is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	g := &Guard{
		store:  store,
		config: config,
		audit:  audit.NoopLogger{},
		logger: logger.WithField("component", "replay"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ValidTokenID reports whether jti is usable as a ledger key
func ValidTokenID(jti string) bool {
	if jti == "" || len(jti) > MaxTokenIDLength || strings.TrimSpace(jti) != jti {
		return false
	}
	for _, r := range jti {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// TTLFor returns the ledger lifetime for a token expiring at exp
func (g *Guard) TTLFor(exp time.Time) time.Duration {
	var remaining time.Duration
	if !exp.IsZero() {
		remaining = exp.Sub(g.now())
		if remaining < 0 {
			remaining = 0
		}
	}
	ttl := remaining + g.config.SafetyBuffer
	if ttl < g.config.MinTTL {
		ttl = g.config.MinTTL
	}
	if ttl > g.config.MaxTTL {
		ttl = g.config.MaxTTL
	}
	return ttl
}

// IsUsed reports whether jti has been used. Invalid ids and store failures
// report true.
func (g *Guard) IsUsed(ctx context.Context, jti string) bool {
	if !ValidTokenID(jti) {
		return true
	}

	opCtx, cancel := g.opContext(ctx)
	defer cancel()

	exists, err := g.store.Exists(opCtx, UsedKeyPrefix+jti)
	if err != nil {
		g.storeFailure(err, jti, "exists")
		return true
	}
	if exists {
		g.recordReuse(ctx, jti)
	}
	return exists
}

// MarkUsed records jti as used. Only the first call writes; later calls leave
// the entry and its expiry untouched. A non-nil error means the caller must
// treat the token as used.
func (g *Guard) MarkUsed(ctx context.Context, jti string, exp time.Time) error {
	if !ValidTokenID(jti) {
		return ErrInvalidTokenID
	}

	opCtx, cancel := g.opContext(ctx)
	defer cancel()

	if _, err := g.store.SetNX(opCtx, UsedKeyPrefix+jti, g.stamp(), g.TTLFor(exp)); err != nil {
		g.storeFailure(err, jti, "setnx")
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

// Consume atomically checks and marks jti. It returns nil only for the first
// use of a valid id.
func (g *Guard) Consume(ctx context.Context, jti string, exp time.Time) error {
	if !ValidTokenID(jti) {
		return ErrInvalidTokenID
	}

	opCtx, cancel := g.opContext(ctx)
	defer cancel()

	first, err := g.store.SetNX(opCtx, UsedKeyPrefix+jti, g.stamp(), g.TTLFor(exp))
	if err != nil {
		g.storeFailure(err, jti, "setnx")
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if !first {
		g.recordReuse(ctx, jti)
		return ErrReplayDetected
	}

	g.consumed.Add(1)
	return nil
}

// Lookup returns the ledger entry for jti, or kvstore.ErrNotFound
func (g *Guard) Lookup(ctx context.Context, jti string) (*Entry, error) {
	if !ValidTokenID(jti) {
		return nil, ErrInvalidTokenID
	}

	opCtx, cancel := g.opContext(ctx)
	defer cancel()

	raw, err := g.store.Get(opCtx, UsedKeyPrefix+jti)
	if err != nil {
		return nil, err
	}
	entry := &Entry{TokenID: jti}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		entry.FirstUse = t
	}
	if ttl, err := g.store.TTL(opCtx, UsedKeyPrefix+jti); err == nil {
		entry.Remaining = ttl
	}
	if raw, err := g.store.Get(opCtx, AttemptsKeyPrefix+jti); err == nil {
		entry.Attempts, _ = strconv.ParseInt(raw, 10, 64)
	}
	return entry, nil
}

// Stats returns a copy of the guard counters
func (g *Guard) Stats() Stats {
	return Stats{
		Consumed:      g.consumed.Load(),
		Replays:       g.replays.Load(),
		Alerts:        g.alerts.Load(),
		StoreFailures: g.storeFailures.Load(),
	}
}

func (g *Guard) recordReuse(ctx context.Context, jti string) {
	g.replays.Add(1)

	opCtx, cancel := g.opContext(ctx)
	defer cancel()

	attempts, err := g.store.IncrWithExpire(opCtx, AttemptsKeyPrefix+jti, g.config.AttemptWindow)
	if err != nil {
		g.logger.WithError(err).WithField("token_id", jti).Warn("failed to count replay attempt")
		return
	}

	g.logger.WithFields(map[string]interface{}{
		"token_id": jti,
		"attempts": attempts,
	}).Warn("replayed token rejected")

	if attempts != g.config.AlertThreshold {
		return
	}

	g.alerts.Add(1)
	g.logger.WithFields(map[string]interface{}{
		"token_id":  jti,
		"attempts":  attempts,
		"threshold": g.config.AlertThreshold,
	}).Error("repeated replay attempts for one token")

	event := audit.NewEvent(audit.EventTypeSecurityReplayAlert, audit.SeverityCritical,
		fmt.Sprintf("token reused %d times within %s", attempts, g.config.AttemptWindow))
	event.TokenID = jti
	event.RequestID = observability.GetRequestID(ctx)
	event.Metadata["attempts"] = attempts
	if err := g.audit.Log(ctx, event); err != nil {
		g.logger.WithError(err).Warn("failed to record replay alert")
	}
}

func (g *Guard) storeFailure(err error, jti, op string) {
	g.storeFailures.Add(1)
	g.logger.WithError(err).WithFields(map[string]interface{}{
		"token_id": jti,
		"op":       op,
	}).Error("replay ledger unavailable, blocking request")
}

func (g *Guard) stamp() string {
	return g.now().UTC().Format(time.RFC3339Nano)
}

func (g *Guard) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.config.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.config.OperationTimeout)
}
