package jobs

import (
	"time"
)

// JobConfig controls job queue and worker behavior.
type JobConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`   // Max concurrent workers. Default 2.
	MaxRetries    int           `mapstructure:"maxRetries"`    // Max retry attempts per job. Default 5.
	PollInterval  time.Duration `mapstructure:"pollInterval"`  // How often workers poll for new jobs. Default 2s.
	ClaimTimeout  time.Duration `mapstructure:"claimTimeout"`  // Max time a job can be "running" before it is considered stuck. Default 5m.
	RetentionDays int           `mapstructure:"retentionDays"` // How long to keep finished jobs. Default 7.
	Enabled       bool          `mapstructure:"enabled"`       // Whether the worker pool runs. Default true.
}

// DefaultJobConfig returns the default job configuration.
func DefaultJobConfig() *JobConfig {
	return &JobConfig{
		Concurrency:   2,
		MaxRetries:    5,
		PollInterval:  2 * time.Second,
		ClaimTimeout:  5 * time.Minute,
		RetentionDays: 7,
		Enabled:       true,
	}
}

// Validate normalizes out-of-range values to their defaults.
func (c *JobConfig) Validate() {
	def := DefaultJobConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
}
