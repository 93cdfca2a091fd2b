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
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/MediQuery/services/orchestrator/observability"
	pipeline "github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/engine"
)

var askTracer = otel.Tracer("mediquery.orchestrator.handlers")

// HandleAsk answers one question through the full evidence pipeline.
//
// # Description
//
// Binds an AskRequest, runs the turn via the engine, and returns the
// turn's outcome as an AskResponse. A turn that ends in the failed state
// is still a 200: the caller gets the apology answer and the state field
// says what happened. 5xx is reserved for requests that never produced
// a turn (session store failures, mostly).
//
// # Route
//
// POST /v1/ask
func HandleAsk(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := askTracer.Start(c.Request.Context(), "HandleAsk")
		defer span.End()

		var req datatypes.AskRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the ask request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			slog.Warn("Rejected ask request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if m := observability.DefaultMetrics; m != nil {
			m.TurnStarted()
			defer m.TurnEnded()
		}

		start := time.Now()
		turn, err := eng.Ask(ctx, req.SessionID, req.Question)
		elapsed := time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Turn did not complete", "error", err, "session_id", req.SessionID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process the question"})
			return
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = turn.Query.SessionID
		}
		resp := datatypes.NewAskResponse(sessionID, turn, elapsed)
		recordTurnMetrics(resp, turn.Verification.Claims)

		c.JSON(http.StatusOK, resp)
	}
}

// recordTurnMetrics feeds the Prometheus counters from one finished turn.
// Safe to call before InitMetrics; it just does nothing then.
func recordTurnMetrics(resp datatypes.AskResponse, claims []pipeline.Claim) {
	m := observability.DefaultMetrics
	if m == nil {
		return
	}
	m.RecordTurn(resp.Route, resp.State, float64(resp.ElapsedMs)/1000.0, resp.Requeried, resp.Conflicts)
	for _, st := range resp.Sources {
		m.RecordAdapterCall(string(st.Source), string(st.State), st.Items)
	}
	for _, cl := range claims {
		m.RecordClaim(string(cl.Status))
	}
}
