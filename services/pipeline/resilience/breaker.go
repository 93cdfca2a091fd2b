// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState is a breaker position.
//
//	CLOSED ──[failure threshold]──► OPEN
//	   ▲                              │ [open timeout]
//	   └───[success]◄── HALF_OPEN ◄──┘
type CircuitState int

const (
	// CircuitClosed is normal operation.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects requests immediately.
	CircuitOpen

	// CircuitHalfOpen lets requests through to probe recovery.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ErrCircuitOpen is returned when the breaker rejects a request. The
// coordinator translates it into an adapter status of "skipped".
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig controls how a breaker trips and recovers.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening. Default 5.
	FailureThreshold int

	// SuccessThreshold is consecutive successes to close from half-open.
	// Default 2.
	SuccessThreshold int

	// OpenTimeout is how long to stay open before probing. Default 30s.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the adapter-boundary defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker guards one repeatedly failing external source so the coordinator
// stops burning its timeout budget on it. Safe for concurrent use.
type Breaker struct {
	config      BreakerConfig
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
	mu          sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// NewBreaker creates a closed breaker, applying defaults to zero fields.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	return &Breaker{
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// Allow reports whether a request may proceed, transitioning open breakers
// to half-open when their timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.now().Sub(b.lastFailure) > b.config.OpenTimeout {
			b.state = CircuitHalfOpen
			b.successes = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// Record updates the breaker with one request outcome.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = b.now()
		switch b.state {
		case CircuitHalfOpen:
			b.state = CircuitOpen
		case CircuitClosed:
			if b.failures >= b.config.FailureThreshold {
				b.state = CircuitOpen
			}
		}
		return
	}

	b.failures = 0
	if b.state == CircuitHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = CircuitClosed
			b.successes = 0
		}
	}
}

// Execute runs fn when the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	b.Record(err)
	return err
}

// State returns the current position.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
