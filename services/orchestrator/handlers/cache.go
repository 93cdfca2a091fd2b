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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/cache"
)

// CacheStats reports hit, miss, write, and eviction counters.
//
// GET /v1/cache/stats
func CacheStats(c *cache.Cache) gin.HandlerFunc {
	return func(gc *gin.Context) {
		gc.JSON(http.StatusOK, c.Stats())
	}
}

// SweepCache runs one eviction pass immediately instead of waiting for
// the background sweeper.
//
// POST /v1/cache/sweep
func SweepCache(c *cache.Cache) gin.HandlerFunc {
	return func(gc *gin.Context) {
		evicted, err := c.Sweep()
		if err != nil {
			slog.Error("cache sweep failed", "error", err)
			gc.JSON(http.StatusInternalServerError, gin.H{"error": "cache sweep failed"})
			return
		}
		slog.Info("manual cache sweep", "evicted", evicted)
		gc.JSON(http.StatusOK, datatypes.CacheSweepResponse{Evicted: evicted})
	}
}

// InvalidateCacheEntry drops a single cached result by fingerprint.
// Useful when a source is known to have published a correction.
//
// DELETE /v1/cache/entries/:fingerprint
func InvalidateCacheEntry(c *cache.Cache) gin.HandlerFunc {
	return func(gc *gin.Context) {
		fp := gc.Param("fingerprint")
		if err := c.Invalidate(fp); err != nil {
			slog.Error("cache invalidate failed", "fingerprint", fp, "error", err)
			gc.JSON(http.StatusInternalServerError, gin.H{"error": "cache invalidate failed"})
			return
		}
		gc.JSON(http.StatusOK, gin.H{"status": "success", "fingerprint": fp})
	}
}
