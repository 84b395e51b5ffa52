package types

import "time"

// CacheEntry is a cached response row (§3 Cached Entry). It is the shared
// shape every cache tier (memory, durable, distributed) stores and returns;
// the stored Payload itself is opaque to the cache engine.
type CacheEntry struct {
	Key              string    `json:"key" gorm:"column:key;primaryKey"`
	Payload          []byte    `json:"payload" gorm:"column:value"`
	Provider         string    `json:"provider" gorm:"column:provider;index"`
	Model            string    `json:"model" gorm:"column:model"`
	NormalizedPrompt string    `json:"normalizedPrompt" gorm:"column:normalized_prompt;index"`
	InputTokens      int       `json:"inputTokens" gorm:"column:tokens_input"`
	OutputTokens     int       `json:"outputTokens" gorm:"column:tokens_output"`
	Cost             float64   `json:"cost" gorm:"column:cost"`
	CreatedAt        time.Time `json:"createdAt" gorm:"column:created_at"`
	ExpiresAt        time.Time `json:"expiresAt" gorm:"column:expires_at;index"`
	AccessCount      int       `json:"accessCount" gorm:"column:access_count"`
	LastAccessed     time.Time `json:"lastAccessed" gorm:"column:last_accessed"`
}

// TableName pins the GORM table name regardless of struct name pluralization.
func (CacheEntry) TableName() string { return "cache_entries" }

// Expired reports whether the entry's TTL has lapsed as of now.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}
