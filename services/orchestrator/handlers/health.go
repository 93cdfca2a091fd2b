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
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/session"
)

// HealthCheck reports process liveness.
//
// GET /health
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.HealthResponse{
		Status:  "ok",
		Service: "mediquery-orchestrator",
	})
}

// Readiness reports whether the session store answers. Load balancers
// should route traffic only after this returns 200.
//
// GET /ready
func Readiness(store session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if _, err := store.List(ctx); err != nil {
			slog.Warn("readiness probe failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, datatypes.HealthResponse{
				Status:  "unavailable",
				Service: "mediquery-orchestrator",
			})
			return
		}
		c.JSON(http.StatusOK, datatypes.HealthResponse{
			Status:  "ready",
			Service: "mediquery-orchestrator",
		})
	}
}
