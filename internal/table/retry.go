package table

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/xtables/internal/clock"
)

// RetryConfig configures commit retries.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	Jitter          bool
	RetryableErrors []error

	// Clock times the backoff; nil means the real clock.
	Clock clock.Clock
}

// DefaultRetryConfig retries the kernel's EAGAIN, which it returns when the
// table changed between fetch and replace.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		BackoffFactor:   2.0,
		Jitter:          true,
		RetryableErrors: []error{unix.EAGAIN},
	}
}

// CommitWithRetry commits t, retrying retryable failures with exponential
// backoff. The context is only checked between attempts.
func CommitWithRetry(ctx context.Context, t *Table, cfg RetryConfig) error {
	return Retry(ctx, cfg, func() error {
		err := t.Commit()
		if err != nil && isRetryable(err, cfg.RetryableErrors) {
			t.logger.Warn("Commit failed, retrying", "error", err)
		}
		return err
	})
}

// Retry executes fn with exponential backoff. fn runs at least once.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error

	attempts := max(cfg.MaxAttempts, 1)
	clk := clock.OrReal(cfg.Clock)
	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err, cfg.RetryableErrors) {
			return err
		}

		// Don't sleep after the last attempt
		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(calculateDelay(attempt, cfg)):
		}
	}

	return lastErr
}

func calculateDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))

	if cfg.Jitter {
		// Add up to 25% jitter
		delay += delay * 0.25 * rand.Float64()
	}

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	return time.Duration(delay)
}

func isRetryable(err error, retryableErrors []error) bool {
	// If no specific errors defined, retry all errors
	if len(retryableErrors) == 0 {
		return true
	}

	for _, retryable := range retryableErrors {
		if errors.Is(err, retryable) {
			return true
		}
	}

	return false
}
