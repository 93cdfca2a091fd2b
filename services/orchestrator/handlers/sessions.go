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
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/session"
)

// ListSessions returns every stored session id.
//
// GET /v1/sessions
func ListSessions(store session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids, err := store.List(c.Request.Context())
		if err != nil {
			slog.Error("failed to list sessions", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
			return
		}
		sort.Strings(ids)
		c.JSON(http.StatusOK, datatypes.SessionListResponse{Sessions: ids, Count: len(ids)})
	}
}

// GetSession returns one session's transcript with per-turn summaries.
// Hot sessions are served from memory, cold ones from the store.
//
// GET /v1/sessions/:sessionId
func GetSession(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		sess, err := mgr.Snapshot(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			slog.Error("failed to load session", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		c.JSON(http.StatusOK, datatypes.NewSessionResponse(sess))
	}
}

// DeleteSession removes a session from memory and from the store.
// Deleting an unknown id succeeds; the end state is the same.
//
// DELETE /v1/sessions/:sessionId
func DeleteSession(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		slog.Info("Received a request to delete a session", "session_id", id)

		if err := mgr.Delete(c.Request.Context(), id); err != nil {
			slog.Error("failed to delete session", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": id})
	}
}
