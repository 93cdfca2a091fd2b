// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reasoner exposes the Generative Reasoning Service as a small set
// of typed operations. Prompt text is an internal detail of this package;
// the rest of the pipeline depends only on these signatures and on the
// error taxonomy.
//
// Low-variability operations (classification, extraction, verification,
// reconciliation, translation, rewrite) run near temperature zero and are
// cached in the generation TTL class. Drafting is intentionally
// non-deterministic and is never cached.
package reasoner

import (
	"context"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

// IntentRequest carries the question and rolling context into
// classification.
type IntentRequest struct {
	// Question is the normalized user question.
	Question string

	// Subject is the already-detected entity, empty when unknown.
	Subject string

	// History is the rolling context window, oldest first.
	History []datatypes.Message
}

// IntentDecision is the routing classification outcome.
type IntentDecision struct {
	// Route is the chosen retrieval plan kind.
	Route datatypes.RouteKind `json:"route"`

	// Fields are the requested attribute names.
	Fields []string `json:"fields"`

	// Condition is the ailment for recommendation routes.
	Condition string `json:"condition,omitempty"`

	// Confidence is the classifier's self-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// DraftRequest carries everything synthesis needs.
type DraftRequest struct {
	// Question is the user's original question.
	Question string

	// Subject is the resolved entity name.
	Subject string

	// Mode selects the drafting style per route kind.
	Mode datatypes.RouteKind

	// Facts are the merged, attributed per-field results.
	Facts []datatypes.MergedFact

	// History is the rolling context window, oldest first.
	History []datatypes.Message

	// Simplified requests the stripped-down retry prompt used after a
	// generative failure.
	Simplified bool
}

// Variant is one source's rendering of a field used by Reconcile.
type Variant struct {
	// Source identifies where the text came from.
	Source string

	// Text is that source's payload.
	Text string
}

// Reasoner is the typed boundary to the Generative Reasoning Service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the coordinator and the
// merge worker pool call into them from multiple goroutines.
type Reasoner interface {
	// ClassifyIntent picks the retrieval route, requested fields, and
	// condition for a question. Low variability, cacheable.
	ClassifyIntent(ctx context.Context, req IntentRequest) (IntentDecision, error)

	// ExtractEntity finds the medicine or ingredient a text is about.
	// Returns "" when none is present. Low variability, cacheable.
	ExtractEntity(ctx context.Context, text string) (string, error)

	// Draft synthesizes the answer from merged facts. High variability,
	// never cached.
	Draft(ctx context.Context, req DraftRequest) (string, error)

	// VerifyClaims checks claims against low-trust evidence and returns
	// them with verdicts filled in. Low variability, cacheable.
	VerifyClaims(ctx context.Context, claims []datatypes.Claim, evidence []datatypes.EvidenceItem) ([]datatypes.Claim, error)

	// Reconcile combines conflicting unstructured renderings of one field
	// into a single text that preserves every source's unique content.
	// Deterministic merge handles the primary path; this is the fallback
	// for genuinely conflicting prose. Low variability, cacheable.
	Reconcile(ctx context.Context, field string, variants []Variant) (string, error)

	// RewriteQuery produces the second-pass question after verification
	// flags the first answer. Low variability, cacheable.
	RewriteQuery(ctx context.Context, original string, report datatypes.VerificationReport) (string, error)

	// TranslateName renders a product or ingredient name in English for
	// sources indexed that way. Low variability, cacheable.
	TranslateName(ctx context.Context, name string) (string, error)
}
