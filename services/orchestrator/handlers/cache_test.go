// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/cache"
)

// =============================================================================
// Test Setup
// =============================================================================

func newCacheFixture(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(cache.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func cacheRouter(c *cache.Cache) *gin.Engine {
	router := gin.New()
	router.GET("/v1/cache/stats", CacheStats(c))
	router.POST("/v1/cache/sweep", SweepCache(c))
	router.DELETE("/v1/cache/entries/:fingerprint", InvalidateCacheEntry(c))
	return router
}

// =============================================================================
// Cache Handler Tests
// =============================================================================

func TestCacheStats_ReportsCounters(t *testing.T) {
	c := newCacheFixture(t)
	require.NoError(t, c.Put("fp-1", []byte(`{"n":1}`), cache.TTLShort))
	c.Get("fp-1")
	c.Get("fp-missing")
	router := cacheRouter(c)

	w := performRequest(router, "GET", "/v1/cache/stats", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var stats cache.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Writes)
}

func TestSweepCache_ReportsEvictions(t *testing.T) {
	c := newCacheFixture(t)
	router := cacheRouter(c)

	w := performRequest(router, "POST", "/v1/cache/sweep", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.CacheSweepResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	// Nothing has expired in a fresh cache.
	assert.Equal(t, 0, resp.Evicted)
}

func TestInvalidateCacheEntry_RemovesEntry(t *testing.T) {
	c := newCacheFixture(t)
	require.NoError(t, c.Put("fp-stale", []byte(`{"n":2}`), cache.TTLShort))
	router := cacheRouter(c)

	w := performRequest(router, "DELETE", "/v1/cache/entries/fp-stale", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fp-stale")
	_, ok := c.Get("fp-stale")
	assert.False(t, ok)
}
