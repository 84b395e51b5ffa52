// Package distributed implements the optional remote KV tier (§4.2 tier 3),
// with TTL measured in days to weeks.
package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/llmcore/mediator/types"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("distributed: entry not found")

// incrementHitCount atomically bumps accessCount in the stored JSON payload
// while preserving the key's remaining TTL.
const incrementHitCountScript = `
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local entry = cjson.decode(data)
entry.accessCount = (entry.accessCount or 0) + 1
local ttl = redis.call('TTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], cjson.encode(entry), 'EX', ttl)
else
	redis.call('SET', KEYS[1], cjson.encode(entry))
end
return 1
`

// Store is a redis-backed cache tier. Writes are smoothed through a token
// bucket so a burst of tier-1 misses cannot saturate the remote store.
type Store struct {
	client      *redis.Client
	ttl         time.Duration
	keyPrefix   string
	writeLimiter *rate.Limiter
	hitScript   *redis.Script
	logger      *zap.Logger
}

// Config configures the distributed cache tier connection.
type Config struct {
	Addr         string
	Password     string
	DB           int
	TTL          time.Duration
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
	// WriteRatePerSecond bounds sustained write throughput to the remote
	// store; burst allows short spikes above that rate.
	WriteRatePerSecond float64
	WriteBurst         int
}

// Open creates a Store backed by a new redis client.
func Open(cfg Config, logger *zap.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	rl := rate.NewLimiter(rate.Inf, 1)
	if cfg.WriteRatePerSecond > 0 {
		burst := cfg.WriteBurst
		if burst <= 0 {
			burst = 1
		}
		rl = rate.NewLimiter(rate.Limit(cfg.WriteRatePerSecond), burst)
	}

	return &Store{
		client:       client,
		ttl:          cfg.TTL,
		keyPrefix:    "mediator:distributed:",
		writeLimiter: rl,
		hitScript:    redis.NewScript(incrementHitCountScript),
		logger:       logger.With(zap.String("component", "distributed_cache")),
	}
}

// OpenWithClient wraps an existing redis client (used by tests against
// miniredis).
func OpenWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		client:       client,
		ttl:          ttl,
		keyPrefix:    "mediator:distributed:",
		writeLimiter: rate.NewLimiter(rate.Inf, 1),
		hitScript:    redis.NewScript(incrementHitCountScript),
		logger:       logger.With(zap.String("component", "distributed_cache")),
	}
}

func (s *Store) redisKey(key string) string { return s.keyPrefix + key }

// Get fetches and decodes the entry for key.
func (s *Store) Get(ctx context.Context, key string) (types.CacheEntry, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return types.CacheEntry{}, err
	}

	var entry types.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return types.CacheEntry{}, err
	}

	go s.incrementHitCount(key)
	return entry, nil
}

// Set writes entry with the tier's TTL, rate-limited so a burst of
// fast-tier misses cannot saturate the remote store. The write never blocks
// the request path: Set is expected to be called from a background
// goroutine by the cache engine (§4.2 write-through semantics).
func (s *Store) Set(ctx context.Context, entry types.CacheEntry) error {
	if err := s.writeLimiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ttl := s.ttl
	if !entry.ExpiresAt.IsZero() {
		if d := time.Until(entry.ExpiresAt); d > 0 {
			ttl = d
		}
	}
	return s.client.Set(ctx, s.redisKey(entry.Key), data, ttl).Err()
}

// Delete removes key unconditionally.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

func (s *Store) incrementHitCount(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.hitScript.Run(ctx, s.client, []string{s.redisKey(key)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn("failed to increment hit count", zap.String("key", key), zap.Error(err))
	}
}

// Close releases the underlying redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
