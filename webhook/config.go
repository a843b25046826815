package webhook

import "time"

// Config is handed to the publisher and dispatcher at construction.
type Config struct {
	// Secret and Endpoint describe an optional platform-wide sink that receives
	// a copy of every published event.
	Secret   string
	Endpoint string
	Timeout  time.Duration

	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	FreshnessWindow time.Duration
	SourceProduct   string

	// EncryptionKey decrypts subscription secrets stored at rest.
	EncryptionKey string
	BatchSize     int
	Concurrency   int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Hour
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = DefaultFreshnessWindow
	}
	if c.SourceProduct == "" {
		c.SourceProduct = "leadflow"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Backoff returns the wait before the next attempt after `attempts` failures.
func (c Config) Backoff(attempts int) time.Duration {
	c = c.withDefaults()
	if attempts < 1 {
		attempts = 1
	}
	wait := c.BackoffBase
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return wait
}
