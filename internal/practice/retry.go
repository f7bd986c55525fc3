package practice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/toeicprep/toeic/internal/model"
	"github.com/toeicprep/toeic/internal/store"
)

// RetryConfig bounds the persistence retry loop.
type RetryConfig struct {
	MaxAttempts int
	Timeout     time.Duration // per attempt
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Timeout:     2 * time.Second,
		InitialWait: 50 * time.Millisecond,
		MaxWait:     time.Second,
		Multiplier:  2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 || c.MaxAttempts > d.MaxAttempts {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.InitialWait <= 0 {
		c.InitialWait = d.InitialWait
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// retry runs op until it succeeds, fails permanently or the attempts run
// out. Each attempt gets its own deadline. Exhaustion is reported as
// model.ErrPersistenceUnavailable wrapping the last error.
func retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := range cfg.MaxAttempts {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if permanent(err) {
			return err
		}

		slog.Warn("persistence attempt failed", "attempt", attempt+1, "max", cfg.MaxAttempts, "error", err)
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(cfg, attempt)):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", model.ErrPersistenceUnavailable, cfg.MaxAttempts, lastErr)
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return model.IsValidation(err) ||
		errors.Is(err, store.ErrDuplicateAttempt) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, context.Canceled)
}

func backoff(cfg RetryConfig, attempt int) time.Duration {
	wait := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt))
	if wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}

	// ±20% jitter.
	wait += wait * 0.2 * (2*rand.Float64() - 1)
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}
