// Package resilience provides the retry and circuit-breaker primitives
// wrapped around every outbound RPC call.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration
}

// DefaultRetryConfig provides sensible defaults for data-fetch calls.
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 3,
	BaseDelay:  1 * time.Second,
	MaxDelay:   30 * time.Second,
	MaxJitter:  1 * time.Second,
}

// RetryPolicy executes operations with exponential backoff.
// Delay for attempt n is baseDelay*2^n plus up to MaxJitter of random
// jitter, capped at MaxDelay.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy creates a policy from config, filling zero values from
// DefaultRetryConfig.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultRetryConfig.MaxRetries
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = DefaultRetryConfig.BaseDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	if cfg.MaxJitter == 0 {
		cfg.MaxJitter = DefaultRetryConfig.MaxJitter
	}
	return &RetryPolicy{cfg: cfg}
}

// Execute runs fn up to MaxRetries+1 times, sleeping between attempts.
// It returns the last error once attempts are exhausted.
func (p *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := fn(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == p.cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

func (p *RetryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	jitter := time.Duration(rand.Int63n(int64(p.cfg.MaxJitter) + 1))
	return time.Duration(delay) + jitter
}
