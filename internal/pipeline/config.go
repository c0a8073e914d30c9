package pipeline

import "time"

// Config holds scheduling and acquisition tuning.
type Config struct {
	Interval     time.Duration `mapstructure:"interval"`
	Workers      int           `mapstructure:"workers"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Minute,
		Workers:      10,
		CycleTimeout: 50 * time.Second,
		FetchTimeout: 15 * time.Second,
	}
}
