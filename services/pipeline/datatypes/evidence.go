// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the core value types shared across the evidence
// pipeline: queries, evidence items, merged facts, claims, turns, and
// sessions, plus the pipeline error taxonomy.
//
// Everything in this package is plain data. Behavior lives in the pipeline
// packages that produce and consume these types; keeping the types inert
// avoids import cycles between pipeline stages.
package datatypes

import "time"

// =============================================================================
// Source Kinds and Trust Tiers
// =============================================================================

// SourceKind identifies one class of evidence source adapter.
type SourceKind string

const (
	// SourceTabular is the structured per-medicine attribute store.
	SourceTabular SourceKind = "tabular"

	// SourceVector is the embedding-index document store.
	SourceVector SourceKind = "vector"

	// SourceWeb is general web search.
	SourceWeb SourceKind = "web"

	// SourceVideo is the video-transcript service.
	SourceVideo SourceKind = "video"

	// SourceNews is the news search service.
	SourceNews SourceKind = "news"

	// SourceChemical is the chemical-compound database.
	SourceChemical SourceKind = "chemical"
)

// AllSourceKinds returns every adapter kind in a fixed order.
func AllSourceKinds() []SourceKind {
	return []SourceKind{
		SourceTabular, SourceVector, SourceWeb,
		SourceVideo, SourceNews, SourceChemical,
	}
}

// TrustTier is a coarse reliability ranking per source kind. Higher tiers win
// merge conflicts and are exempt from post-hoc claim verification.
type TrustTier int

const (
	// TrustLow covers open web, video, and news sources.
	TrustLow TrustTier = iota + 1

	// TrustMedium covers the curated embedding-index documents.
	TrustMedium

	// TrustHigh covers structured authoritative stores.
	TrustHigh
)

// String returns a human-readable tier name.
func (t TrustTier) String() string {
	switch t {
	case TrustLow:
		return "low"
	case TrustMedium:
		return "medium"
	case TrustHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Weight returns the tier's confidence weight in [0,1]. A single-source
// merged fact inherits its tier weight as its confidence.
func (t TrustTier) Weight() float64 {
	switch t {
	case TrustHigh:
		return 0.9
	case TrustMedium:
		return 0.7
	case TrustLow:
		return 0.4
	default:
		return 0.0
	}
}

// Trust returns the fixed trust tier for a source kind.
func (k SourceKind) Trust() TrustTier {
	switch k {
	case SourceTabular, SourceChemical:
		return TrustHigh
	case SourceVector:
		return TrustMedium
	case SourceWeb, SourceVideo, SourceNews:
		return TrustLow
	default:
		return TrustLow
	}
}

// =============================================================================
// Canonical Field Names
// =============================================================================

// Canonical attribute fields a medicine question can request. Adapters
// normalize their own column or section names onto these.
const (
	FieldEfficacy     = "efficacy"
	FieldSideEffects  = "side_effects"
	FieldUsage        = "usage"
	FieldPrecautions  = "precautions"
	FieldInteractions = "interactions"
	FieldStorage      = "storage"

	// FieldRecentInfo carries free-form payloads from the low-trust
	// web/video/news adapters, which do not map onto a structured field.
	FieldRecentInfo = "recent_info"
)

// NoInformation is the explicit sentinel an adapter returns when a source
// holds a row for the subject but no content for the requested field. Merge
// discards it; it must never surface in an answer.
const NoInformation = "no information available"

// DefaultFields is the requested-field set used when a question names no
// specific attribute.
func DefaultFields() []string {
	return []string{FieldEfficacy, FieldSideEffects, FieldUsage}
}

// KnownFields returns every canonical structured field.
func KnownFields() []string {
	return []string{
		FieldEfficacy, FieldSideEffects, FieldUsage,
		FieldPrecautions, FieldInteractions, FieldStorage,
	}
}

// =============================================================================
// Evidence
// =============================================================================

// EvidenceItem is one fact or document fragment from one source adapter.
//
// # Description
//
// Items are produced by adapters and consumed by the merge and verification
// stages. They are value types: the cache and the session store hold
// independent copies, never references into a live turn.
type EvidenceItem struct {
	// Source is the adapter kind that produced this item.
	Source SourceKind `json:"source"`

	// SourceID identifies the concrete origin within the source: a file
	// name, document id, URL, or compound id.
	SourceID string `json:"source_id"`

	// Subject is the medicine or ingredient the item is about.
	Subject string `json:"subject"`

	// Field is the canonical attribute this payload describes.
	Field string `json:"field"`

	// Payload is the raw text content.
	Payload string `json:"payload"`

	// Trust is the tier inherited from the source kind at retrieval time.
	Trust TrustTier `json:"trust"`

	// RetrievedAt is when the adapter produced the item.
	RetrievedAt time.Time `json:"retrieved_at"`

	// PublishedAt is the origin's publication date when the source exposes
	// one (news articles, videos). Zero otherwise.
	PublishedAt time.Time `json:"published_at,omitzero"`

	// Score is the similarity score for vector results, zero otherwise.
	Score float64 `json:"score,omitempty"`
}

// MergedFact is one field's reconciled value for one subject after combining
// all contributing sources.
type MergedFact struct {
	// Field is the canonical attribute name.
	Field string `json:"field"`

	// Resolved is the reconciled text for the field.
	Resolved string `json:"resolved"`

	// Confidence is in [0,1], derived from contributing trust tiers.
	Confidence float64 `json:"confidence"`

	// Conflict is true when contributing sources directly contradicted each
	// other and a higher-trust item won.
	Conflict bool `json:"conflict"`

	// ConflictNote records what disagreed, for the verifier and for logs.
	ConflictNote string `json:"conflict_note,omitempty"`

	// Sources are value copies of the contributing evidence items.
	Sources []EvidenceItem `json:"sources"`
}

// =============================================================================
// Claims
// =============================================================================

// ClaimStatus is the verification verdict for one claim.
type ClaimStatus string

const (
	// ClaimPending means the claim has not been checked yet.
	ClaimPending ClaimStatus = "pending"

	// ClaimVerified means retrieved evidence supports the claim.
	ClaimVerified ClaimStatus = "verified"

	// ClaimContradicted means retrieved evidence explicitly conflicts.
	ClaimContradicted ClaimStatus = "contradicted"

	// ClaimUnsupported means the claim has no matching evidence.
	ClaimUnsupported ClaimStatus = "unsupported"
)

// Claim is an atomic assertion extracted from a draft answer that is
// attributable to low-trust sources and therefore subject to verification.
type Claim struct {
	// Text is the claim sentence.
	Text string `json:"text"`

	// Citations lists SourceIDs of candidate supporting evidence.
	Citations []string `json:"citations,omitempty"`

	// Status is the verification verdict.
	Status ClaimStatus `json:"status"`

	// Note explains the verdict (for example which year disagreed).
	Note string `json:"note,omitempty"`
}

// VerificationReport is the turn-level outcome of the consistency check.
type VerificationReport struct {
	// Checked is false when verification was skipped because the draft used
	// only structured high-trust sources.
	Checked bool `json:"checked"`

	// Claims holds per-claim verdicts when Checked.
	Claims []Claim `json:"claims,omitempty"`

	// NeedsRequery signals the state machine to take the single bounded
	// re-query transition.
	NeedsRequery bool `json:"needs_requery"`

	// Degraded is true when the generative fallback was unavailable and the
	// verifier failed open.
	Degraded bool `json:"degraded,omitempty"`
}

// ContradictedClaims returns the claims the verifier found contradicted.
func (r VerificationReport) ContradictedClaims() []Claim {
	var out []Claim
	for _, c := range r.Claims {
		if c.Status == ClaimContradicted {
			out = append(out, c)
		}
	}
	return out
}

// UnsupportedCount returns the number of claims with no matching evidence.
func (r VerificationReport) UnsupportedCount() int {
	n := 0
	for _, c := range r.Claims {
		if c.Status == ClaimUnsupported {
			n++
		}
	}
	return n
}

// UnsupportedFraction returns the share of claims with no supporting
// evidence, or 0 when there are no claims.
func (r VerificationReport) UnsupportedFraction() float64 {
	if len(r.Claims) == 0 {
		return 0
	}
	return float64(r.UnsupportedCount()) / float64(len(r.Claims))
}
