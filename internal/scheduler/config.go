package scheduler

import (
	"time"

	appconfig "github.com/meterkit/creditledger/internal/config"
)

// Config controls scheduler intervals, batch sizes and stipend sizing.
type Config struct {
	RunInterval     time.Duration
	BatchSize       int
	JobTimeout      time.Duration
	LockTTL         time.Duration
	DryRun          bool
	FreeTierCredits int64
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Hour,
		BatchSize:       200,
		JobTimeout:      10 * time.Minute,
		LockTTL:         15 * time.Minute,
		FreeTierCredits: 100,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.FreeTierCredits <= 0 {
		c.FreeTierCredits = defaults.FreeTierCredits
	}
	return c
}

func ProvideConfig(cfg appconfig.Config) Config {
	return Config{
		RunInterval:     cfg.SchedulerRunInterval,
		BatchSize:       cfg.SchedulerBatchSize,
		DryRun:          cfg.SchedulerDryRun,
		FreeTierCredits: cfg.FreeTierCredits,
	}.withDefaults()
}
