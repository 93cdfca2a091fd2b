// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience centralizes the retry and circuit-breaker behavior
// applied at the two external boundaries: adapter calls inside the
// retrieval coordinator and generative calls inside the reasoner.
//
// Retry policy lives in one object instead of per-call-site loops, so every
// boundary retries the same bounded way.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy is a bounded exponential-backoff retry policy.
//
// # Thread Safety
//
// Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	// MaxAttempts bounds total tries, including the first. Minimum 1.
	MaxAttempts int

	// InitialDelay precedes the second attempt.
	InitialDelay time.Duration

	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64

	// MaxDelay caps the grown delay.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt. Nil
	// retries everything except context cancellation.
	Retryable func(error) bool
}

// DefaultPolicy matches the retrieval boundary: three attempts, one second
// initial delay, doubling, capped at ten seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
	}
}

// GenerativePolicy matches the reasoning-service boundary: one retry.
func GenerativePolicy() Policy {
	return Policy{
		MaxAttempts:  2,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     2 * time.Second,
	}
}

// Do runs op until it succeeds, the policy is exhausted, or ctx ends.
// The last error is returned wrapped with the attempt count.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := p.InitialDelay
	tried := 0

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("after %d attempts: %w", tried, lastErr)
			}
			return err
		}

		lastErr = op(ctx)
		tried = attempt
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			break
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			break
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("after %d attempts: %w", tried, lastErr)
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return fmt.Errorf("after %d attempts: %w", tried, lastErr)
}
