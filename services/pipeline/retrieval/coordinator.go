// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval fans one retrieval plan out across evidence adapters
// and fans the results back in.
//
// Isolation is the core contract: each adapter runs under its own timeout,
// its own panic boundary, and its own circuit breaker, so one misbehaving
// source degrades only its own contribution. Results carry a per-adapter
// status record alongside the evidence union.
//
// The cache sits in front of dispatch. An adapter call whose fingerprint
// is already cached is answered without a live call, and in-flight
// de-duplication guarantees at most one live call per fingerprint per TTL
// window even under concurrent turns.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/MediQuery/services/pipeline/adapters"
	"github.com/AleutianAI/MediQuery/services/pipeline/cache"
	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/resilience"
)

var tracer = otel.Tracer("mediquery.pipeline.retrieval")

// DefaultMaxConcurrent bounds simultaneous adapter calls within one turn.
const DefaultMaxConcurrent = 3

// Result is the fan-in outcome: the evidence union plus one status per
// invoked adapter, in plan order.
type Result struct {
	Items  []datatypes.EvidenceItem
	Status []datatypes.AdapterStatus
}

// Succeeded reports how many adapters returned evidence or a cache hit.
func (r Result) Succeeded() int {
	n := 0
	for _, s := range r.Status {
		if s.State == datatypes.AdapterOK || s.State == datatypes.AdapterCached {
			n++
		}
	}
	return n
}

// Coordinator runs retrieval plans.
type Coordinator struct {
	adapters map[datatypes.SourceKind]adapters.Adapter
	sem      *resilience.Semaphore
	cache    *cache.Cache
	breakers map[datatypes.SourceKind]*resilience.Breaker
	logger   *slog.Logger
}

// Option configures the coordinator.
type Option func(*coordinatorConfig)

type coordinatorConfig struct {
	maxConcurrent int
	cache         *cache.Cache
	breakerCfg    resilience.BreakerConfig
	logger        *slog.Logger
}

// WithCache enables fingerprint-keyed caching of adapter calls.
func WithCache(c *cache.Cache) Option {
	return func(cfg *coordinatorConfig) { cfg.cache = c }
}

// WithMaxConcurrent overrides the in-turn fan-out bound.
func WithMaxConcurrent(n int) Option {
	return func(cfg *coordinatorConfig) { cfg.maxConcurrent = n }
}

// WithBreakerConfig overrides the per-adapter circuit breaker settings.
func WithBreakerConfig(bc resilience.BreakerConfig) Option {
	return func(cfg *coordinatorConfig) { cfg.breakerCfg = bc }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *coordinatorConfig) { cfg.logger = l }
}

// New builds a coordinator over the given adapters. Each adapter gets its
// own circuit breaker.
func New(list []adapters.Adapter, opts ...Option) *Coordinator {
	cfg := coordinatorConfig{
		maxConcurrent: DefaultMaxConcurrent,
		breakerCfg:    resilience.DefaultBreakerConfig(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	byKind := make(map[datatypes.SourceKind]adapters.Adapter, len(list))
	breakers := make(map[datatypes.SourceKind]*resilience.Breaker, len(list))
	for _, a := range list {
		byKind[a.Kind()] = a
		breakers[a.Kind()] = resilience.NewBreaker(cfg.breakerCfg)
	}
	return &Coordinator{
		adapters: byKind,
		sem:      resilience.NewSemaphore(cfg.maxConcurrent),
		cache:    cfg.cache,
		breakers: breakers,
		logger:   cfg.logger,
	}
}

// adapterOutcome is one fan-out slot's result, indexed to keep status
// order aligned with plan order.
type adapterOutcome struct {
	index  int
	items  []datatypes.EvidenceItem
	status datatypes.AdapterStatus
}

// Retrieve executes the plan. It never fails because an adapter failed;
// the returned error is non-nil only when ctx ended before the fan-in
// completed, and the Result still carries whatever arrived in time.
func (c *Coordinator) Retrieve(ctx context.Context, kinds []datatypes.SourceKind, req adapters.Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.Int("adapters", len(kinds)),
		attribute.String("subject", req.Subject),
	)

	outcomes := make(chan adapterOutcome, len(kinds))
	var wg sync.WaitGroup
	for i, kind := range kinds {
		a, ok := c.adapters[kind]
		if !ok {
			outcomes <- adapterOutcome{index: i, status: datatypes.AdapterStatus{
				Source: kind,
				State:  datatypes.AdapterSkipped,
				Err:    "no adapter registered",
			}}
			continue
		}

		wg.Add(1)
		go func(i int, a adapters.Adapter) {
			defer wg.Done()
			outcomes <- c.runOne(ctx, i, a, req)
		}(i, a)
	}

	// Every send lands before its goroutine's Done, so after Wait the
	// channel holds one outcome per slot. Cancellation does not skip the
	// wait: adapters observe ctx themselves and return promptly, and the
	// partial results still matter to the caller.
	wg.Wait()
	close(outcomes)

	collected := make([]adapterOutcome, 0, len(kinds))
	for out := range outcomes {
		collected = append(collected, out)
	}
	ctxErr := ctx.Err()

	result := Result{Status: make([]datatypes.AdapterStatus, 0, len(collected))}
	ordered := make([]*adapterOutcome, len(kinds))
	for i := range collected {
		ordered[collected[i].index] = &collected[i]
	}
	for _, out := range ordered {
		if out == nil {
			continue
		}
		result.Status = append(result.Status, out.status)
		result.Items = append(result.Items, out.items...)
	}

	span.SetAttributes(
		attribute.Int("evidence", len(result.Items)),
		attribute.Int("succeeded", result.Succeeded()),
	)
	return result, ctxErr
}

// runOne executes a single adapter slot end to end: semaphore, breaker,
// cache, live call, status classification.
func (c *Coordinator) runOne(ctx context.Context, index int, a adapters.Adapter, req adapters.Request) adapterOutcome {
	kind := a.Kind()
	status := datatypes.AdapterStatus{Source: kind}
	start := time.Now()
	finish := func(items []datatypes.EvidenceItem) adapterOutcome {
		status.Elapsed = time.Since(start)
		status.Items = len(items)
		return adapterOutcome{index: index, items: items, status: status}
	}

	if err := c.sem.Acquire(ctx); err != nil {
		status.State = datatypes.AdapterError
		status.Err = err.Error()
		return finish(nil)
	}
	defer c.sem.Release()

	breaker := c.breakers[kind]
	if breaker != nil && !breaker.Allow() {
		status.State = datatypes.AdapterSkipped
		status.Err = resilience.ErrCircuitOpen.Error()
		c.logger.Warn("adapter skipped, circuit open", "source", kind)
		return finish(nil)
	}

	items, fromCache, err := c.fetch(ctx, a, req)
	if breaker != nil && !fromCache {
		breaker.Record(err)
	}
	if err != nil {
		classified := datatypes.NewAdapterUnavailable(kind, err)
		status.Err = classified.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			status.State = datatypes.AdapterTimeout
		} else {
			status.State = datatypes.AdapterError
		}
		c.logger.Warn("adapter failed", "source", kind, "state", status.State, "error", err)
		return finish(nil)
	}

	if fromCache {
		status.State = datatypes.AdapterCached
	} else {
		status.State = datatypes.AdapterOK
	}
	return finish(items)
}

// fetch answers from the cache when possible, otherwise performs the live
// call and writes the result back. Live calls run under the adapter's own
// timeout and a panic boundary.
func (c *Coordinator) fetch(ctx context.Context, a adapters.Adapter, req adapters.Request) ([]datatypes.EvidenceItem, bool, error) {
	if c.cache == nil {
		items, err := c.invoke(ctx, a, req)
		return items, false, err
	}

	fp := fingerprintFor(a.Kind(), req)
	payload, fromCache, err := c.cache.GetOrCompute(ctx, fp, ttlFor(a.Kind()), func(ctx context.Context) ([]byte, error) {
		items, err := c.invoke(ctx, a, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(items)
	})
	if err != nil {
		return nil, false, err
	}

	var items []datatypes.EvidenceItem
	if err := json.Unmarshal(payload, &items); err != nil {
		// A corrupt entry must not poison the TTL window.
		c.cache.Invalidate(fp)
		c.logger.Warn("corrupt cache entry dropped", "source", a.Kind(), "error", err)
		live, liveErr := c.invoke(ctx, a, req)
		return live, false, liveErr
	}
	return items, fromCache, nil
}

// invoke is the isolation boundary: per-adapter timeout plus panic
// recovery.
func (c *Coordinator) invoke(ctx context.Context, a adapters.Adapter, req adapters.Request) (items []datatypes.EvidenceItem, err error) {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("adapter panicked", "source", a.Kind(), "panic", r)
			items = nil
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return a.Fetch(ctx, req)
}

// fingerprintFor keys an adapter call on the inputs that source actually
// reads, so rephrased questions about the same subject still hit.
func fingerprintFor(kind datatypes.SourceKind, req adapters.Request) string {
	op := "retrieve:" + string(kind)
	fields := strings.Join(req.Fields, ",")
	switch kind {
	case datatypes.SourceTabular, datatypes.SourceChemical:
		return cache.Fingerprint(op, req.Subject, fields)
	case datatypes.SourceVector:
		return cache.Fingerprint(op, req.Subject, fields, req.Condition, req.Question)
	default:
		return cache.Fingerprint(op, req.SearchText(), fields)
	}
}

// ttlFor maps a source to its TTL class: structured per-entity facts are
// days-stable, search results go stale in hours.
func ttlFor(kind datatypes.SourceKind) cache.TTLClass {
	switch kind {
	case datatypes.SourceTabular, datatypes.SourceChemical, datatypes.SourceVector:
		return cache.TTLLong
	default:
		return cache.TTLShort
	}
}
