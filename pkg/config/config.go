// Package config loads the rule registry server configuration from defaults,
// an optional YAML file and RULES_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/codequality/rule-registry/pkg/audit"
	"github.com/codequality/rule-registry/pkg/cache"
	"github.com/codequality/rule-registry/pkg/index"
	"github.com/codequality/rule-registry/pkg/jobs"
	"github.com/codequality/rule-registry/pkg/tenancy"
)

// EnvPrefix is the prefix of environment variable overrides. The key
// "index.redisAddr" is read from RULES_INDEX_REDISADDR.
const EnvPrefix = "RULES"

// Database types.
const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
	DatabaseMySQL    = "mysql"
)

// Index backends.
const (
	IndexMemory = "memory"
	IndexRedis  = "redis"
)

// Config is the full server configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Index        IndexConfig        `mapstructure:"index"`
	Jobs         jobs.JobConfig     `mapstructure:"jobs"`
	Render       cache.Config       `mapstructure:"render"`
	Organization OrganizationConfig `mapstructure:"organization"`
	Audit        audit.Config       `mapstructure:"audit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	TenancyMode string `mapstructure:"tenancyMode"`
}

// DatabaseConfig selects the record store.
type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// IndexConfig selects the search-index backend and its retry policy.
type IndexConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redisAddr"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDB"`
	KeyPrefix     string `mapstructure:"keyPrefix"`

	index.Config `mapstructure:",squash"`
}

// OrganizationConfig holds the organization used in single-tenant mode.
type OrganizationConfig struct {
	Default string `mapstructure:"default"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":9000",
			TenancyMode: string(tenancy.ModeSingle),
		},
		Database: DatabaseConfig{
			Type: DatabaseSQLite,
			DSN:  "file:rules.db?_pragma=foreign_keys(1)",
		},
		Index: IndexConfig{
			Backend:   IndexMemory,
			RedisAddr: "localhost:6379",
			KeyPrefix: index.DefaultKeyPrefix,
			Config:    index.DefaultConfig(),
		},
		Jobs:         *jobs.DefaultJobConfig(),
		Render:       cache.DefaultConfig(),
		Organization: OrganizationConfig{Default: tenancy.DefaultOrganization},
		Audit:        audit.DefaultConfig(),
	}
}

// Mode returns the parsed tenancy mode.
func (c *Config) Mode() tenancy.Mode {
	mode, _ := tenancy.ParseMode(c.Server.TenancyMode)
	return mode
}

// Validate checks the enumerated settings and normalizes the job settings.
func (c *Config) Validate() error {
	var errs []error
	if _, err := tenancy.ParseMode(c.Server.TenancyMode); err != nil {
		errs = append(errs, err)
	}
	switch c.Database.Type {
	case DatabaseSQLite, DatabasePostgres, DatabaseMySQL:
	default:
		errs = append(errs, fmt.Errorf("unsupported database type %q", c.Database.Type))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.Index.Backend {
	case IndexMemory:
	case IndexRedis:
		if c.Index.RedisAddr == "" {
			errs = append(errs, errors.New("index.redisAddr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported index backend %q", c.Index.Backend))
	}
	if c.Mode() == tenancy.ModeSingle {
		if err := tenancy.ValidateOrganization(c.Organization.Default); err != nil {
			errs = append(errs, fmt.Errorf("organization.default: %w", err))
		}
	}
	c.Jobs.Validate()
	return errors.Join(errs...)
}

// Loader reads configuration from its sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with env support and every default registered.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	l := &Loader{v: v}
	l.setDefaults(Default())
	return l
}

// Viper returns the underlying viper instance, for binding command flags.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// SetConfigFile makes Load read path. The file must exist.
func (l *Loader) SetConfigFile(path string) {
	l.v.SetConfigFile(path)
}

// Load merges the sources. Priority from highest to lowest: bound flags,
// environment, config file, defaults.
func (l *Loader) Load() (*Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Default()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) setDefaults(cfg *Config) {
	l.v.SetDefault("server.addr", cfg.Server.Addr)
	l.v.SetDefault("server.tenancyMode", cfg.Server.TenancyMode)

	l.v.SetDefault("database.type", cfg.Database.Type)
	l.v.SetDefault("database.dsn", cfg.Database.DSN)

	l.v.SetDefault("index.backend", cfg.Index.Backend)
	l.v.SetDefault("index.redisAddr", cfg.Index.RedisAddr)
	l.v.SetDefault("index.redisPassword", cfg.Index.RedisPassword)
	l.v.SetDefault("index.redisDB", cfg.Index.RedisDB)
	l.v.SetDefault("index.keyPrefix", cfg.Index.KeyPrefix)
	l.v.SetDefault("index.retryInitialInterval", cfg.Index.RetryInitialInterval)
	l.v.SetDefault("index.retryMaxElapsed", cfg.Index.RetryMaxElapsed)

	l.v.SetDefault("jobs.enabled", cfg.Jobs.Enabled)
	l.v.SetDefault("jobs.concurrency", cfg.Jobs.Concurrency)
	l.v.SetDefault("jobs.maxRetries", cfg.Jobs.MaxRetries)
	l.v.SetDefault("jobs.pollInterval", cfg.Jobs.PollInterval)
	l.v.SetDefault("jobs.claimTimeout", cfg.Jobs.ClaimTimeout)
	l.v.SetDefault("jobs.retentionDays", cfg.Jobs.RetentionDays)

	l.v.SetDefault("render.enabled", cfg.Render.Enabled)
	l.v.SetDefault("render.ttl", cfg.Render.TTL)
	l.v.SetDefault("render.maxSize", cfg.Render.MaxSize)

	l.v.SetDefault("organization.default", cfg.Organization.Default)

	l.v.SetDefault("audit.retentionDays", cfg.Audit.RetentionDays)
	l.v.SetDefault("audit.interval", cfg.Audit.Interval)
}
