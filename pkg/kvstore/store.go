package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable wraps transport and server failures of the backing store
	ErrUnavailable = errors.New("store unavailable")
)

// ScoredMember is a sorted-set member with its score
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the shared key-value store used by the permission cache, the
// replay ledger and the anomaly detector.
type Store interface {
	// Get returns the value of key or ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// Set writes value with an expiration (0 means no expiration)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// SetNX writes value only if key does not exist. It reports whether the write happened.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Del removes keys and returns how many existed
	Del(ctx context.Context, keys ...string) (int64, error)

	// Exists reports whether key exists
	Exists(ctx context.Context, key string) (bool, error)

	// IncrWithExpire increments key and sets its expiration when the key is new
	IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Expire sets a key's expiration
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ExtendExpire raises a key's expiration to ttl when it is shorter or
	// unset, and reports whether it changed. It never shortens one.
	ExtendExpire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining time to live of a key
	TTL(ctx context.Context, key string) (time.Duration, error)

	// SAdd adds members to a set
	SAdd(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of a set. A missing set yields ErrNotFound.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SRem removes members from a set
	SRem(ctx context.Context, key string, members ...string) error

	// ZAdd adds or updates sorted-set members
	ZAdd(ctx context.Context, key string, members ...ScoredMember) error

	// ZRem removes sorted-set members
	ZRem(ctx context.Context, key string, members ...string) error

	// ZCard returns the cardinality of a sorted set
	ZCard(ctx context.Context, key string) (int64, error)

	// ZOldest returns up to n members with the lowest scores
	ZOldest(ctx context.Context, key string, n int64) ([]string, error)

	// ZRemBelow removes members scored strictly below max
	ZRemBelow(ctx context.Context, key string, max float64) (int64, error)

	// SlidingWindowAdd records member at now in a window of the given width and
	// returns how many members fall inside the window, atomically.
	SlidingWindowAdd(ctx context.Context, key string, member string, now time.Time, window time.Duration) (int64, error)

	// StrLen returns the length of a string value (0 if missing)
	StrLen(ctx context.Context, key string) (int64, error)

	// Scan returns one page of keys matching pattern and the next cursor (0 when done)
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error)

	// DeletePattern removes every key matching pattern, touching at most limit keys
	DeletePattern(ctx context.Context, pattern string, limit int) (int, error)

	// Ping checks connectivity
	Ping(ctx context.Context) error

	// Close releases the connection
	Close() error
}

// IsUnavailable reports whether err came from the store itself rather than a miss
func IsUnavailable(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}
