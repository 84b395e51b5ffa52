// Package durable implements the embedded persistent KV tier (§4.2 tier 2):
// a single-file table with indexes on expiresAt, provider and
// normalizedPrompt, TTL measured in days.
package durable

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmcore/mediator/internal/database"
	"github.com/llmcore/mediator/types"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("durable: entry not found")

// Store is the gorm-backed durable cache tier.
type Store struct {
	pool   *database.PoolManager
	ttl    time.Duration
	logger *zap.Logger
}

// Open wires pool as the durable tier's backing store. Migrations for the
// cache_entries table are run separately via internal/migrate.
func Open(pool *database.PoolManager, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{pool: pool, ttl: ttl, logger: logger.With(zap.String("component", "durable_cache"))}
}

// Get returns the entry for key if present and unexpired.
func (s *Store) Get(ctx context.Context, key string) (types.CacheEntry, error) {
	var entry types.CacheEntry
	err := s.pool.DB().WithContext(ctx).Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return types.CacheEntry{}, err
	}

	if entry.Expired(time.Now()) {
		s.deleteAsync(key)
		return types.CacheEntry{}, ErrNotFound
	}

	now := time.Now()
	if err := s.pool.DB().WithContext(ctx).Model(&types.CacheEntry{}).
		Where("key = ?", key).
		Updates(map[string]any{"access_count": gorm.Expr("access_count + 1"), "last_accessed": now}).Error; err != nil {
		s.logger.Warn("failed to update access stats", zap.Error(err))
	}
	entry.AccessCount++
	entry.LastAccessed = now

	return entry, nil
}

// Set inserts or replaces the entry for key, defaulting ExpiresAt to
// CreatedAt+ttl when unset.
func (s *Store) Set(ctx context.Context, entry types.CacheEntry) error {
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = entry.CreatedAt.Add(s.ttl)
	}
	return s.pool.DB().WithContext(ctx).Save(&entry).Error
}

// Delete removes key unconditionally.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.pool.DB().WithContext(ctx).Where("key = ?", key).Delete(&types.CacheEntry{}).Error
}

func (s *Store) deleteAsync(key string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to evict expired entry", zap.String("key", key), zap.Error(err))
		}
	}()
}

// SimilarityCandidates returns up to limit non-expired entries for provider,
// ordered by last_accessed DESC so the semantic-fallback scan is
// deterministic (spec's Open Question on the unordered LIMIT scan).
func (s *Store) SimilarityCandidates(ctx context.Context, provider string, limit int) ([]types.CacheEntry, error) {
	var entries []types.CacheEntry
	err := s.pool.DB().WithContext(ctx).
		Where("provider = ? AND expires_at > ?", provider, time.Now()).
		Order("last_accessed DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastAccessed.After(entries[j].LastAccessed)
	})
	return entries, nil
}

// PurgeExpired deletes all entries whose TTL has lapsed and returns the
// count removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.pool.DB().WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&types.CacheEntry{})
	return res.RowsAffected, res.Error
}

// AutoMigrate ensures the cache_entries table exists with its indexes. A
// dedicated internal/migrate path is used in production; AutoMigrate backs
// tests and local development.
func (s *Store) AutoMigrate() error {
	return s.pool.DB().AutoMigrate(&types.CacheEntry{})
}
