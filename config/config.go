// Package config defines the mediation core's configuration schema and
// loads it from YAML using plain structs and yaml tags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llmcore/mediator/cache/similarity"
)

// Config is the single configuration object recognized by the core (§6).
type Config struct {
	Strategy       string                    `yaml:"strategy"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
	CircuitBreaker CircuitBreakerConfig      `yaml:"circuitBreaker"`
	Retry          RetryConfig               `yaml:"retry"`
	Cache          CacheConfig               `yaml:"cache"`
	Ledger         LedgerConfig              `yaml:"ledger"`
	HealthCheck    HealthCheckConfig         `yaml:"healthCheck"`
	PrefixRules    []PrefixRuleConfig        `yaml:"prefixRules"`
	Telemetry      TelemetryConfig           `yaml:"telemetry"`
	Events         EventConfig               `yaml:"events"`
}

// ProviderConfig is one entry of the §6 providers map.
type ProviderConfig struct {
	Enabled       bool           `yaml:"enabled"`
	Weight        float64        `yaml:"weight"`
	MaxConcurrent int            `yaml:"maxConcurrent"`
	AdapterConfig map[string]any `yaml:"adapterConfig"`
}

// CircuitBreakerConfig matches §6's circuitBreaker object.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
	SuccessThreshold int `yaml:"successThreshold"`
	OpenTimeoutMs    int `yaml:"openTimeoutMs"`
	HalfOpenProbes   int `yaml:"halfOpenProbes"`
}

// RetryConfig matches §6's retry object.
type RetryConfig struct {
	MaxRetries        int     `yaml:"maxRetries"`
	InitialDelayMs    int     `yaml:"initialDelayMs"`
	MaxDelayMs        int     `yaml:"maxDelayMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
}

// CacheConfig matches §6's cache object.
type CacheConfig struct {
	Memory      MemoryCacheConfig      `yaml:"memory"`
	Durable     DurableCacheConfig     `yaml:"durable"`
	Distributed DistributedCacheConfig `yaml:"distributed"`
	Similarity  SimilarityCacheConfig  `yaml:"similarity"`
	KeyStrategy string                 `yaml:"keyStrategy"` // "fingerprint" | "hierarchical" (B.4.2)
}

type MemoryCacheConfig struct {
	MaxEntries int `yaml:"maxEntries"`
	TTLMs      int `yaml:"ttlMs"`
}

type DurableCacheConfig struct {
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"maxEntries"`
	TTLMs      int    `yaml:"ttlMs"`
}

type DistributedCacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	TTLMs    int    `yaml:"ttlMs"`
}

type SimilarityCacheConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Algorithm string  `yaml:"algorithm"`
	Threshold float64 `yaml:"threshold"`
}

// LedgerConfig matches §6's ledger object.
type LedgerConfig struct {
	Path          string        `yaml:"path"`
	RetentionDays int           `yaml:"retentionDays"`
	Budgets       BudgetsConfig `yaml:"budgets"`
	Archive       ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig enables the periodic retention sweep to copy expired usage
// rows to Mongo before deleting them, instead of discarding them outright.
type ArchiveConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MongoURI   string `yaml:"mongoUri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	IntervalMs int    `yaml:"intervalMs"`
}

type BudgetsConfig struct {
	Daily         *float64 `yaml:"daily"`
	Monthly       *float64 `yaml:"monthly"`
	PerUser       *float64 `yaml:"perUser"`
	AlertThreshold float64 `yaml:"alertThreshold"`
}

// HealthCheckConfig matches §6's healthCheck object.
type HealthCheckConfig struct {
	IntervalMs int `yaml:"intervalMs"`
	TimeoutMs  int `yaml:"timeoutMs"`
}

// PrefixRuleConfig is one fast-path routing rule that bypasses strategy
// scoring for model ids matching Prefix.
type PrefixRuleConfig struct {
	Prefix   string `yaml:"prefix"`
	Provider string `yaml:"provider"`
}

// TelemetryConfig carries the OTel SDK wiring.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SampleRate   float64 `yaml:"sampleRate"`
}

// EventConfig selects the structured event transport (§6 Event stream).
type EventConfig struct {
	Sink              string `yaml:"sink"` // "log" | "callback" | "collector"
	CollectorEndpoint string `yaml:"collectorEndpoint"`
}

// Load reads and parses a YAML config file from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Config and applies defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = "cost-based"
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.SuccessThreshold <= 0 {
		c.CircuitBreaker.SuccessThreshold = 2
	}
	if c.CircuitBreaker.OpenTimeoutMs <= 0 {
		c.CircuitBreaker.OpenTimeoutMs = 60_000
	}
	if c.CircuitBreaker.HalfOpenProbes <= 0 {
		c.CircuitBreaker.HalfOpenProbes = 3
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialDelayMs <= 0 {
		c.Retry.InitialDelayMs = 1000
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = 10_000
	}
	if c.Retry.BackoffMultiplier <= 0 {
		c.Retry.BackoffMultiplier = 2
	}
	if c.Cache.KeyStrategy == "" {
		c.Cache.KeyStrategy = "fingerprint"
	}
	if c.Ledger.RetentionDays <= 0 {
		c.Ledger.RetentionDays = 90
	}
	if c.Ledger.Budgets.AlertThreshold <= 0 {
		c.Ledger.Budgets.AlertThreshold = 0.8
	}
	if c.Ledger.Archive.Enabled && c.Ledger.Archive.IntervalMs <= 0 {
		c.Ledger.Archive.IntervalMs = 86_400_000
	}
	if c.HealthCheck.IntervalMs <= 0 {
		c.HealthCheck.IntervalMs = 30_000
	}
	if c.HealthCheck.TimeoutMs <= 0 {
		c.HealthCheck.TimeoutMs = 10_000
	}
	if c.Events.Sink == "" {
		c.Events.Sink = "log"
	}
}

// Validate rejects configurations that name an unrecognized strategy, key
// strategy, similarity algorithm or event sink.
func (c Config) Validate() error {
	switch c.Strategy {
	case "cost-based", "latency-based", "quality-based", "round-robin", "weighted":
	default:
		return fmt.Errorf("config: unrecognized strategy %q", c.Strategy)
	}
	switch c.Cache.KeyStrategy {
	case "fingerprint", "hierarchical":
	default:
		return fmt.Errorf("config: unrecognized cache key strategy %q", c.Cache.KeyStrategy)
	}
	if c.Cache.Similarity.Enabled {
		switch similarity.Algorithm(c.Cache.Similarity.Algorithm) {
		case similarity.Cosine, similarity.Jaccard, similarity.Levenshtein:
		default:
			return fmt.Errorf("config: unrecognized similarity algorithm %q", c.Cache.Similarity.Algorithm)
		}
	}
	switch c.Events.Sink {
	case "log", "callback", "collector":
	default:
		return fmt.Errorf("config: unrecognized event sink %q", c.Events.Sink)
	}
	return nil
}

// RetryDuration converts the millisecond fields into time.Durations for
// router.RetryConfig.
func (r RetryConfig) RetryDuration() (initial, max time.Duration) {
	return time.Duration(r.InitialDelayMs) * time.Millisecond, time.Duration(r.MaxDelayMs) * time.Millisecond
}

// OpenTimeout converts CircuitBreakerConfig.OpenTimeoutMs to a Duration.
func (c CircuitBreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutMs) * time.Millisecond
}

// HealthCheckDurations converts the millisecond fields to Durations.
func (h HealthCheckConfig) HealthCheckDurations() (interval, timeout time.Duration) {
	return time.Duration(h.IntervalMs) * time.Millisecond, time.Duration(h.TimeoutMs) * time.Millisecond
}

// Interval converts ArchiveConfig.IntervalMs to a Duration.
func (a ArchiveConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMs) * time.Millisecond
}
