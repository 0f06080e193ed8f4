package store

import (
	"log/slog"
	"time"
)

// Config holds configuration for a Cluster.
type Config struct {
	// TransactionAttempts is the maximum number of times a transaction body runs
	// before the transaction fails.
	// Default: 10
	// Max: 100
	TransactionAttempts int

	// TransactionTimeout bounds the time spent retrying a transaction.
	// No new attempt starts after it has elapsed.
	// Default: 15s
	TransactionTimeout time.Duration

	// Logger receives transaction diagnostics.
	// Default: slog.Default()
	Logger *slog.Logger

	// Observer is notified after every store operation.
	// Default: no-op
	Observer Observer

	// Clock supplies the current time for expiry checks and CAS generation.
	// Default: time.Now
	Clock func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TransactionAttempts: 10,
		TransactionTimeout:  15 * time.Second,
		Logger:              slog.Default(),
		Observer:            NopObserver{},
		Clock:               time.Now,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.TransactionAttempts < 1 {
		c.TransactionAttempts = 10
	}
	if c.TransactionAttempts > 100 {
		c.TransactionAttempts = 100
	}
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}
