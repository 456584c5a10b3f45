package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// incrWithExpireScript sets the expiration only on the first increment so
// repeated increments inside a window never extend it.
var incrWithExpireScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// extendExpireScript raises a key's expiration to ARGV[1] ms and never
// lowers it. A key without an expiration gets one.
var extendExpireScript = redis.NewScript(`
local ttl = redis.call("PTTL", KEYS[1])
if ttl == -2 then
  return 0
end
if ttl == -1 or ttl < tonumber(ARGV[1]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// Config holds Redis connection settings
type Config struct {
	URL          string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		URL:          "redis://localhost:6379/0",
		DB:           -1,
		MaxRetries:   1,
		PoolSize:     20,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	}
}

// Redis implements Store on top of go-redis
type Redis struct {
	client *redis.Client
}

// NewRedis creates a new Redis-backed store and verifies connectivity
func NewRedis(ctx context.Context, config Config) (*Redis, error) {
	// Parse Redis URL or use default options
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Override with config values if provided
	if config.Password != "" {
		opts.Password = config.Password
	}
	if config.DB >= 0 {
		opts.DB = config.DB
	}
	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Client returns the underlying Redis client for health checks
func (r *Redis) Client() *redis.Client {
	return r.client
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s failed: %w: %w", op, ErrUnavailable, err)
}

// Get retrieves a string value
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	} else if err != nil {
		return "", unavailable("get", err)
	}
	return val, nil
}

// Set stores a string value with expiration
func (r *Redis) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// SetNX sets a key only if it doesn't exist
func (r *Redis) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

// Del removes keys
func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("del", err)
	}
	return n, nil
}

// Exists reports whether a key exists
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

// IncrWithExpire increments a counter, setting its expiration on creation
func (r *Redis) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrWithExpireScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return n, nil
}

// ExtendExpire raises key's expiration to at least ttl
func (r *Redis) ExtendExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := extendExpireScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, unavailable("extend expire", err)
	}
	return n == 1, nil
}

// Expire sets a key's expiration
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return unavailable("expire", err)
	}
	return nil
}

// TTL returns the remaining time to live of a key. A key without expiration
// reports -1; a missing key returns ErrNotFound.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable("ttl", err)
	}
	if d == -2 {
		return 0, ErrNotFound
	}
	if d < 0 {
		return -1, nil
	}
	return d, nil
}

// SAdd adds members to a set
func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SAdd(ctx, key, toInterfaces(members)...).Err(); err != nil {
		return unavailable("sadd", err)
	}
	return nil
}

// SMembers returns all members of a set
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable("smembers", err)
	}
	// Redis never stores empty sets
	if len(members) == 0 {
		return nil, ErrNotFound
	}
	return members, nil
}

// SRem removes members from a set
func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SRem(ctx, key, toInterfaces(members)...).Err(); err != nil {
		return unavailable("srem", err)
	}
	return nil
}

// ZAdd adds or updates sorted-set members
func (r *Redis) ZAdd(ctx context.Context, key string, members ...ScoredMember) error {
	if len(members) == 0 {
		return nil
	}
	zs := make([]*redis.Z, 0, len(members))
	for _, m := range members {
		zs = append(zs, &redis.Z{Score: m.Score, Member: m.Member})
	}
	if err := r.client.ZAdd(ctx, key, zs...).Err(); err != nil {
		return unavailable("zadd", err)
	}
	return nil
}

// ZRem removes sorted-set members
func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.ZRem(ctx, key, toInterfaces(members)...).Err(); err != nil {
		return unavailable("zrem", err)
	}
	return nil
}

// ZCard returns the number of sorted-set members
func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable("zcard", err)
	}
	return n, nil
}

// ZOldest returns up to n members with the lowest scores
func (r *Redis) ZOldest(ctx context.Context, key string, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := r.client.ZRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, unavailable("zrange", err)
	}
	return members, nil
}

// ZRemBelow removes members scored strictly below max
func (r *Redis) ZRemBelow(ctx context.Context, key string, max float64) (int64, error) {
	n, err := r.client.ZRemRangeByScore(ctx, key, "-inf", "("+formatScore(max)).Result()
	if err != nil {
		return 0, unavailable("zremrangebyscore", err)
	}
	return n, nil
}

// SlidingWindowAdd trims the window, records member and counts the window in one transaction
func (r *Redis) SlidingWindowAdd(ctx context.Context, key string, member string, now time.Time, window time.Duration) (int64, error) {
	nowMs := float64(now.UnixMilli())
	cutoff := nowMs - float64(window.Milliseconds())

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+formatScore(cutoff))
		pipe.ZAdd(ctx, key, &redis.Z{Score: nowMs, Member: member})
		card = pipe.ZCard(ctx, key)
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, unavailable("sliding window", err)
	}
	return card.Val(), nil
}

// StrLen returns the length of a string value
func (r *Redis) StrLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.StrLen(ctx, key).Result()
	if err != nil {
		return 0, unavailable("strlen", err)
	}
	return n, nil
}

// Scan returns one page of matching keys
func (r *Redis) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	keys, next, err := r.client.Scan(ctx, cursor, pattern, count).Result()
	if err != nil {
		return nil, 0, unavailable("scan", err)
	}
	return keys, next, nil
}

// DeletePattern removes keys matching pattern, touching at most limit keys
func (r *Redis) DeletePattern(ctx context.Context, pattern string, limit int) (int, error) {
	deleted, touched := 0, 0
	var cursor uint64
	for {
		keys, next, err := r.Scan(ctx, cursor, pattern, 100)
		if err != nil {
			return deleted, err
		}
		if remaining := limit - touched; limit > 0 && len(keys) > remaining {
			keys = keys[:remaining]
		}
		touched += len(keys)
		n, err := r.Del(ctx, keys...)
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
		cursor = next
		if cursor == 0 || (limit > 0 && touched >= limit) {
			return deleted, nil
		}
	}
}

// Ping checks Redis connectivity
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

// PoolStats returns connection pool statistics
func (r *Redis) PoolStats() *redis.PoolStats {
	return r.client.PoolStats()
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
