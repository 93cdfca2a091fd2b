// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the content-addressable result cache shared by
// every adapter and by the low-variability generative operations.
//
// Entries are keyed by Fingerprint (a deterministic hash of operation kind
// plus canonicalized inputs) and carry a TTL class instead of an explicit
// expiry, so retention policy can change without rewriting stored data.
// Concurrent requests for the same fingerprint are collapsed to a single
// live computation via singleflight.
//
// The cache is an optimization, never a correctness dependency: write
// failures are logged and swallowed, read failures are misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/storage/badger"
)

// =============================================================================
// TTL Classes
// =============================================================================

// TTLClass selects an entry's retention band.
type TTLClass string

const (
	// TTLShort is for volatile search results (web, news, video).
	TTLShort TTLClass = "short"

	// TTLLong is for stable per-entity structured facts.
	TTLLong TTLClass = "long"

	// TTLGeneration is for deterministic, low-variability generative
	// outputs (classification, extraction, verification).
	TTLGeneration TTLClass = "generation"
)

// Valid reports whether c names a known class.
func (c TTLClass) Valid() bool {
	switch c {
	case TTLShort, TTLLong, TTLGeneration:
		return true
	}
	return false
}

// MaxCacheableVariability is the generation-temperature ceiling above which
// outputs are intentionally non-deterministic and must never be cached.
const MaxCacheableVariability = 0.2

// keyPrefix namespaces cache records inside the shared Badger keyspace.
const keyPrefix = "cache/"

// =============================================================================
// Configuration
// =============================================================================

// Config controls cache behavior. Zero durations fall back to defaults.
type Config struct {
	// Store configures the backing BadgerDB instance.
	Store badger.Config

	// ShortTTL bounds TTLShort entries. Default 6h.
	ShortTTL time.Duration

	// LongTTL bounds TTLLong entries. Default 168h (7 days).
	LongTTL time.Duration

	// GenerationTTL bounds TTLGeneration entries. Default 24h.
	GenerationTTL time.Duration

	// SweepInterval is the cadence of the background sweep. Default 1h.
	SweepInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults persisting under path.
func DefaultConfig(path string) Config {
	store := badger.DefaultConfig()
	store.Path = path
	// Cache data is reconstructible; skip sync overhead.
	store.SyncWrites = false
	return Config{
		Store:         store,
		ShortTTL:      6 * time.Hour,
		LongTTL:       168 * time.Hour,
		GenerationTTL: 24 * time.Hour,
		SweepInterval: time.Hour,
	}
}

// InMemoryConfig returns a test configuration with no disk persistence.
func InMemoryConfig() Config {
	cfg := DefaultConfig("")
	cfg.Store = badger.InMemoryConfig()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ShortTTL <= 0 {
		c.ShortTTL = 6 * time.Hour
	}
	if c.LongTTL <= 0 {
		c.LongTTL = 168 * time.Hour
	}
	if c.GenerationTTL <= 0 {
		c.GenerationTTL = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// =============================================================================
// Stats
// =============================================================================

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Writes    int64 `json:"writes"`
	Evictions int64 `json:"evictions"`

	// SharedComputes counts callers that joined an in-flight computation
	// instead of issuing their own live call.
	SharedComputes int64 `json:"shared_computes"`

	// Errors counts swallowed read/write failures.
	Errors int64 `json:"errors"`
}

// =============================================================================
// Cache
// =============================================================================

// envelope is the stored value: the payload plus the metadata sweep needs.
type envelope struct {
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	Class     TTLClass  `json:"class"`
}

// Cache is the content-addressable store. Safe for concurrent use.
//
// # Thread Safety
//
// All methods may be called from any goroutine. Per-fingerprint in-flight
// de-duplication guarantees at most one live computation per key at a time.
type Cache struct {
	db     *badgerdb.DB
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group

	hits           atomic.Int64
	misses         atomic.Int64
	writes         atomic.Int64
	evictions      atomic.Int64
	sharedComputes atomic.Int64
	errcount       atomic.Int64

	// now is swappable for sweep tests.
	now func() time.Time
}

// Open opens the cache over its backing store. The caller owns Close.
func Open(cfg Config) (*Cache, error) {
	cfg.applyDefaults()
	db, err := badger.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	return &Cache{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the backing store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// ttlFor maps a class to its configured duration.
func (c *Cache) ttlFor(class TTLClass) time.Duration {
	switch class {
	case TTLLong:
		return c.cfg.LongTTL
	case TTLGeneration:
		return c.cfg.GenerationTTL
	default:
		return c.cfg.ShortTTL
	}
}

// Get returns the payload for a fingerprint. Read failures and expired
// entries count as misses; the cache never fails a caller.
func (c *Cache) Get(fingerprint string) ([]byte, bool) {
	var env envelope
	err := c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + fingerprint))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		})
	})
	switch {
	case err == nil:
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		c.misses.Add(1)
		return nil, false
	default:
		c.errcount.Add(1)
		c.logger.Warn("cache read failed, treating as miss",
			"fingerprint", fingerprint, "error", err)
		c.misses.Add(1)
		return nil, false
	}

	// Badger's native TTL is the backstop; the envelope check keeps reads
	// correct when class durations are shortened between runs.
	if c.now().Sub(env.CreatedAt) > c.ttlFor(env.Class) {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return env.Payload, true
}

// Put stores a payload under a fingerprint. Entries are immutable in
// practice: identical inputs produce identical payloads, so overwrites are
// idempotent. Failures are logged, counted, and returned as ErrCache for
// callers that care; most ignore them.
func (c *Cache) Put(fingerprint string, payload []byte, class TTLClass) error {
	if !class.Valid() {
		class = TTLShort
	}
	env := envelope{
		Payload:   payload,
		CreatedAt: c.now(),
		Class:     class,
	}
	val, err := json.Marshal(env)
	if err != nil {
		c.errcount.Add(1)
		return datatypes.NewCacheError("put", err)
	}
	err = c.db.Update(func(txn *badgerdb.Txn) error {
		e := badgerdb.NewEntry([]byte(keyPrefix+fingerprint), val).
			WithTTL(c.ttlFor(class))
		return txn.SetEntry(e)
	})
	if err != nil {
		c.errcount.Add(1)
		c.logger.Warn("cache write failed, continuing without cache",
			"fingerprint", fingerprint, "class", string(class), "error", err)
		return datatypes.NewCacheError("put", err)
	}
	c.writes.Add(1)
	return nil
}

// Invalidate removes an entry. Missing keys are not an error.
func (c *Cache) Invalidate(fingerprint string) error {
	err := c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(keyPrefix + fingerprint))
	})
	if err != nil {
		c.errcount.Add(1)
		return datatypes.NewCacheError("invalidate", err)
	}
	c.evictions.Add(1)
	return nil
}

// Sweep removes entries older than their TTL class allows and returns how
// many were removed. It runs a full keyspace scan; the background sweeper
// calls it hourly, and the admin surface exposes it directly.
func (c *Cache) Sweep() (int, error) {
	now := c.now()
	var expired [][]byte

	err := c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var env envelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				// Undecodable entries are garbage; expire them.
				expired = append(expired, item.KeyCopy(nil))
				continue
			}
			if now.Sub(env.CreatedAt) > c.ttlFor(env.Class) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		c.errcount.Add(1)
		return 0, datatypes.NewCacheError("sweep", err)
	}

	removed := 0
	for _, key := range expired {
		err := c.db.Update(func(txn *badgerdb.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			c.logger.Warn("sweep delete failed", "key", string(key), "error", err)
			continue
		}
		removed++
	}
	c.evictions.Add(int64(removed))

	// Reclaim value-log space; ErrNoRewrite just means nothing to do.
	for {
		if err := c.db.RunValueLogGC(0.5); err != nil {
			break
		}
	}

	return removed, nil
}

// RunSweeper blocks, sweeping at the configured interval until ctx is
// canceled. Run it on its own goroutine; its lifecycle is independent of
// any turn.
func (c *Cache) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.Sweep()
			if err != nil {
				c.logger.Warn("background sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				c.logger.Info("cache sweep complete", "removed", removed)
			}
		}
	}
}

// GetOrCompute returns the cached payload for a fingerprint, or runs
// compute exactly once across all concurrent callers and caches its result.
// fromCache is true only for a pre-existing entry, not for callers that
// joined an in-flight computation.
//
// A failed compute is returned to every waiting caller and caches nothing.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, class TTLClass, compute func(context.Context) ([]byte, error)) (payload []byte, fromCache bool, err error) {
	if v, ok := c.Get(fingerprint); ok {
		return v, true, nil
	}

	res, err, shared := c.group.Do(fingerprint, func() (interface{}, error) {
		// A racing caller may have filled the entry between our miss and
		// the flight starting.
		if v, ok := c.Get(fingerprint); ok {
			return v, nil
		}
		out, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		_ = c.Put(fingerprint, out, class)
		return out, nil
	})
	if shared {
		c.sharedComputes.Add(1)
	}
	if err != nil {
		return nil, false, err
	}
	return res.([]byte), false, nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Writes:         c.writes.Load(),
		Evictions:      c.evictions.Load(),
		SharedComputes: c.sharedComputes.Load(),
		Errors:         c.errcount.Load(),
	}
}
