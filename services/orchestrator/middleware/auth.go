// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Admin Key Authentication
//
// Administrative endpoints (session deletion, cache sweeps) are guarded
// by a static bearer key:
//
//	Request
//	   │
//	   ▼
//	AdminKeyAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   └─► Constant-time compare against the configured key
//	           │
//	           ▼
//	       Handler
//
// When no key is configured the middleware passes every request through,
// which keeps local single-user deployments working with zero setup.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Admin Key Middleware
// =============================================================================

// AdminKeyAuth creates a Gin middleware that guards administrative routes.
//
// # Description
//
// Extracts the bearer token from the Authorization header and compares it
// against the configured key. Requests with a missing or wrong token are
// rejected with 401. An empty key disables the check entirely.
//
// # Inputs
//
//   - key: The expected admin key. Empty string means no authentication.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
//
// # Examples
//
//	admin := v1.Group("/cache")
//	admin.Use(middleware.AdminKeyAuth(cfg.AdminKey))
//
// # Limitations
//
//   - Only supports Bearer token authentication
//   - A single shared key, no per-user identity
func AdminKeyAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}

		token := extractBearerToken(c)
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}

		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken extracts the token from the Authorization header.
//
// Expects "Bearer <token>"; the prefix is case-insensitive per RFC 7235.
// Returns empty string if the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
