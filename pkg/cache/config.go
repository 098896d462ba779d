package cache

import "time"

// Config holds configuration for the render cache.
type Config struct {
	// Enabled controls whether rendered descriptions are cached. When false,
	// NewFromConfig returns nil and every render runs the converter.
	Enabled bool `mapstructure:"enabled"`

	// TTL is how long a rendered entry stays valid.
	TTL time.Duration `mapstructure:"ttl"`

	// MaxSize is the maximum number of entries kept.
	MaxSize int `mapstructure:"maxSize"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		TTL:     10 * time.Minute,
		MaxSize: 2000,
	}
}

// NewFromConfig creates a cache from cfg, or returns nil when caching is
// disabled. A nil *LRUCache is safe to use and never hits.
func NewFromConfig(cfg Config) *LRUCache {
	if !cfg.Enabled {
		return nil
	}
	return NewLRUCache(cfg.MaxSize, cfg.TTL)
}
