// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides request and response types for the
// orchestrator's HTTP surface.
//
// The types here are wire contracts only. They convert to and from the
// pipeline's own types at the handler boundary so that internal structs
// can evolve without breaking API clients.
package datatypes

import (
	"time"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxQuestionBytes is the largest accepted question body. Byte length,
	// not rune count, so oversized multi-byte payloads are rejected too.
	MaxQuestionBytes = 8 * 1024

	// MaxSessionIDLength bounds caller-supplied session ids.
	MaxSessionIDLength = 128
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// apiValidate is the validator for API request types. Initialized once with
// the custom byte-length rule.
var apiValidate *validator.Validate

func init() {
	apiValidate = validator.New()
	_ = apiValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxQuestionBytes on string fields tagged with
// "maxbytes". The builtin max= tag counts runes, which under-counts
// multi-byte text.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQuestionBytes
}

// =============================================================================
// Ask
// =============================================================================

// AskRequest is the body for POST /v1/ask.
//
// # Fields
//
//   - SessionID: Optional. Continues an existing conversation so follow-up
//     questions can inherit the subject. Omit it to start a new session;
//     the response carries the generated id.
//   - Question: Required. The user's question, at most MaxQuestionBytes.
//
// # Validation
//
//   - SessionID: optional, at most 128 characters
//   - Question: required, 1..8192 bytes
type AskRequest struct {
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
	Question  string `json:"question" validate:"required,min=1,maxbytes"`
}

// Validate checks the request against its field rules. Call after binding.
func (r *AskRequest) Validate() error {
	return apiValidate.Struct(r)
}

// AskResponse is the body for a completed POST /v1/ask.
//
// A turn that ends in the failed state still returns 200 with State
// "failed" and an apology answer; HTTP errors are reserved for requests
// that never produced a turn at all.
type AskResponse struct {
	SessionID  string `json:"session_id"`
	TurnID     string `json:"turn_id"`
	Seq        int    `json:"seq"`
	State      string `json:"state"`
	Route      string `json:"route,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Answer     string `json:"answer"`
	AnswerHash string `json:"answer_hash,omitempty"`

	// Requeried is true when the verifier sent the turn back for its one
	// repeat retrieval pass.
	Requeried bool `json:"requeried"`

	// Conflicts counts merged facts where sources contradicted each other.
	Conflicts int `json:"conflicts"`

	// Verification is present when the consistency check ran.
	Verification *datatypes.VerificationReport `json:"verification,omitempty"`

	// Facts are the merged per-field findings behind the answer, with
	// their provenance. Clients that only want prose can ignore them.
	Facts []FactView `json:"facts,omitempty"`

	// Sources records one status entry per adapter invocation, including
	// the repeat pass when the turn was requeried.
	Sources []datatypes.AdapterStatus `json:"sources,omitempty"`

	ElapsedMs int64 `json:"elapsed_ms"`
}

// FactView is one merged fact on the wire: the resolved text for a field
// and where it came from, without the full evidence payloads.
type FactView struct {
	Field        string       `json:"field"`
	Text         string       `json:"text"`
	Confidence   float64      `json:"confidence"`
	Conflict     bool         `json:"conflict,omitempty"`
	ConflictNote string       `json:"conflict_note,omitempty"`
	Sources      []FactSource `json:"sources,omitempty"`
}

// FactSource attributes a fact to one piece of contributing evidence.
type FactSource struct {
	Source   string `json:"source"`
	SourceID string `json:"source_id,omitempty"`
}

// NewFactView maps a merged fact onto its wire shape.
func NewFactView(f datatypes.MergedFact) FactView {
	view := FactView{
		Field:        f.Field,
		Text:         f.Resolved,
		Confidence:   f.Confidence,
		Conflict:     f.Conflict,
		ConflictNote: f.ConflictNote,
	}
	for _, ev := range f.Sources {
		view.Sources = append(view.Sources, FactSource{
			Source:   string(ev.Source),
			SourceID: ev.SourceID,
		})
	}
	return view
}

// NewAskResponse maps a finished turn onto the wire shape.
func NewAskResponse(sessionID string, t datatypes.Turn, elapsed time.Duration) AskResponse {
	resp := AskResponse{
		SessionID:  sessionID,
		TurnID:     t.ID,
		Seq:        t.Seq,
		State:      t.State.String(),
		Route:      string(t.Route),
		Subject:    t.Query.Subject,
		Answer:     t.Answer,
		AnswerHash: t.AnswerHash,
		Requeried:  t.Requeried,
		Conflicts:  countConflicts(t.Facts),
		Sources:    t.AdapterStatus,
		ElapsedMs:  elapsed.Milliseconds(),
	}
	if t.Verification.Checked {
		report := t.Verification
		resp.Verification = &report
	}
	for _, f := range t.Facts {
		resp.Facts = append(resp.Facts, NewFactView(f))
	}
	return resp
}

func countConflicts(facts []datatypes.MergedFact) int {
	n := 0
	for _, f := range facts {
		if f.Conflict {
			n++
		}
	}
	return n
}

// =============================================================================
// Sessions
// =============================================================================

// TurnSummary is one conversation turn in a session view, without the
// full evidence payload.
type TurnSummary struct {
	TurnID      string    `json:"turn_id"`
	Seq         int       `json:"seq"`
	Question    string    `json:"question"`
	Subject     string    `json:"subject,omitempty"`
	Route       string    `json:"route,omitempty"`
	State       string    `json:"state"`
	Answer      string    `json:"answer,omitempty"`
	Requeried   bool      `json:"requeried,omitempty"`
	Conflicts   int       `json:"conflicts,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// SessionResponse is the body for GET /v1/sessions/:sessionId.
type SessionResponse struct {
	SessionID   string        `json:"session_id"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	LastSubject string        `json:"last_subject,omitempty"`
	Turns       []TurnSummary `json:"turns"`
}

// NewSessionResponse maps a stored session onto the wire shape.
func NewSessionResponse(sess *datatypes.Session) SessionResponse {
	resp := SessionResponse{
		SessionID:   sess.ID,
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt,
		LastSubject: sess.LastSubject(),
		Turns:       make([]TurnSummary, 0, len(sess.Turns)),
	}
	for _, t := range sess.Turns {
		resp.Turns = append(resp.Turns, TurnSummary{
			TurnID:      t.ID,
			Seq:         t.Seq,
			Question:    t.Query.Raw,
			Subject:     t.Query.Subject,
			Route:       string(t.Route),
			State:       t.State.String(),
			Answer:      t.Answer,
			Requeried:   t.Requeried,
			Conflicts:   countConflicts(t.Facts),
			StartedAt:   t.StartedAt,
			CompletedAt: t.CompletedAt,
		})
	}
	return resp
}

// SessionListResponse is the body for GET /v1/sessions.
type SessionListResponse struct {
	Sessions []string `json:"sessions"`
	Count    int      `json:"count"`
}

// =============================================================================
// Cache Administration
// =============================================================================

// CacheSweepResponse reports one manual sweep pass.
type CacheSweepResponse struct {
	Evicted int `json:"evicted"`
}

// =============================================================================
// Health
// =============================================================================

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}
