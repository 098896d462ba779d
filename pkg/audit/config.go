package audit

import "time"

// Config controls the retention of rule events.
type Config struct {
	// RetentionDays is how many days of events are kept. Zero or less keeps
	// every event.
	RetentionDays int `mapstructure:"retentionDays"`

	// Interval is the time between two retention passes.
	Interval time.Duration `mapstructure:"interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RetentionDays: 90,
		Interval:      24 * time.Hour,
	}
}
