// Package orchestrate coordinates entity writes, deletes, and discovery
// against a store whose durable writes are immediate but whose search index
// lags behind them. It provides the bounded convergence poller, the batch
// write and delete coordinators with per-item outcome reporting, the hit
// correlator that resolves index projections into authoritative records,
// and the lifecycle manager that composes them into end-to-end flows.
package orchestrate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/converge/internal/metrics"
)

// ErrTimeoutExceeded is returned by the poller when the index has not
// converged after MaxAttempts queries. It is distinct from a transport
// failure: the store answered every query, the data just was not visible
// yet. Callers can wait longer and try again; nothing is broken.
var ErrTimeoutExceeded = errors.New("timeout exceeded waiting for index convergence")

// Config holds configuration shared by the coordination components.
type Config struct {
	// PollInterval is the pause between index queries while waiting for
	// convergence (default: 500ms).
	PollInterval time.Duration

	// MaxAttempts is the maximum number of index queries per convergence
	// wait (default: 10). Must be >= 1; the poller never loops unbounded.
	MaxAttempts int

	// BatchSize is the maximum number of items per store round trip
	// (default: 25).
	BatchSize int

	// ExpandConcurrency is the maximum number of concurrent hit
	// expansions (default: 4).
	ExpandConcurrency int

	// DeleteConcurrency is the maximum number of delete chunks in flight
	// at once (default: 2).
	DeleteConcurrency int

	// Logger receives coordination events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records poller and batch outcome metrics when set.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      500 * time.Millisecond,
		MaxAttempts:       10,
		BatchSize:         25,
		ExpandConcurrency: 4,
		DeleteConcurrency: 2,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.PollInterval < 0 {
		return fmt.Errorf("PollInterval must be >= 0, got %v", c.PollInterval)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("MaxAttempts must be >= 1, got %d", c.MaxAttempts)
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("BatchSize must be >= 1, got %d", c.BatchSize)
	}

	if c.ExpandConcurrency < 1 {
		return fmt.Errorf("ExpandConcurrency must be >= 1, got %d", c.ExpandConcurrency)
	}

	if c.DeleteConcurrency < 1 {
		return fmt.Errorf("DeleteConcurrency must be >= 1, got %d", c.DeleteConcurrency)
	}

	return nil
}

// logger returns the configured logger or the process default.
func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
