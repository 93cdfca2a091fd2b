// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/MediQuery/services/orchestrator/handlers"
	"github.com/AleutianAI/MediQuery/services/orchestrator/middleware"
	"github.com/AleutianAI/MediQuery/services/pipeline/cache"
	"github.com/AleutianAI/MediQuery/services/pipeline/engine"
	"github.com/AleutianAI/MediQuery/services/pipeline/session"
)

// SetupRoutes registers every HTTP endpoint the orchestrator serves.
// Destructive and operational endpoints sit behind the admin key; with an
// empty key they stay open, which suits local single-user deployments.
func SetupRoutes(router *gin.Engine, eng *engine.Engine, mgr *session.Manager,
	store session.Store, evidenceCache *cache.Cache, adminKey string) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.Readiness(store))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	adminOnly := middleware.AdminKeyAuth(adminKey)

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/ask", handlers.HandleAsk(eng))
		// Session administration routes
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(store))
			sessions.GET("/:sessionId", handlers.GetSession(mgr))
			sessions.DELETE("/:sessionId", adminOnly, handlers.DeleteSession(mgr))
		}
		// Cache administration routes
		cacheAdmin := v1.Group("/cache", adminOnly)
		{
			cacheAdmin.GET("/stats", handlers.CacheStats(evidenceCache))
			cacheAdmin.POST("/sweep", handlers.SweepCache(evidenceCache))
			cacheAdmin.DELETE("/entries/:fingerprint", handlers.InvalidateCacheEntry(evidenceCache))
		}
	}
}
