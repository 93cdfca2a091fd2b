// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Query
// =============================================================================

// Query is the normalized form of one user question. It is created during
// preprocessing and immutable after routing.
type Query struct {
	// Raw is the user's text as received.
	Raw string `json:"raw"`

	// Normalized is the canonicalized text (lower-cased, punctuation and
	// parentheticals stripped, whitespace collapsed).
	Normalized string `json:"normalized"`

	// Subject is the detected medicine or ingredient name, empty when none
	// was found.
	Subject string `json:"subject,omitempty"`

	// Fields are the requested attribute names, in detection order.
	Fields []string `json:"fields"`

	// Condition is the symptom or ailment driving a recommendation
	// question ("for headaches"), empty otherwise.
	Condition string `json:"condition,omitempty"`

	// SessionID ties the query to its conversation.
	SessionID string `json:"session_id"`
}

// =============================================================================
// Routing
// =============================================================================

// RouteKind is the drafting mode and adapter subset chosen for a turn.
type RouteKind string

const (
	// RouteInfo answers attribute questions about a named medicine from
	// structured and document sources.
	RouteInfo RouteKind = "medicine_info"

	// RouteRecommend suggests medicines for a stated condition.
	RouteRecommend RouteKind = "medicine_recommendation"

	// RouteRecent answers questions about new or recently covered
	// medicines from web, news, and video sources.
	RouteRecent RouteKind = "recent_info"
)

// Valid reports whether k is a known route.
func (k RouteKind) Valid() bool {
	switch k {
	case RouteInfo, RouteRecommend, RouteRecent:
		return true
	}
	return false
}

// =============================================================================
// Adapter Status
// =============================================================================

// AdapterState is the per-invocation outcome recorded by the retrieval
// coordinator.
type AdapterState string

const (
	// AdapterOK means a live call succeeded.
	AdapterOK AdapterState = "ok"

	// AdapterCached means the result came from the content cache.
	AdapterCached AdapterState = "cached"

	// AdapterTimeout means the per-adapter deadline expired.
	AdapterTimeout AdapterState = "timeout"

	// AdapterError means the call failed or panicked.
	AdapterError AdapterState = "error"

	// AdapterSkipped means the circuit breaker was open.
	AdapterSkipped AdapterState = "skipped"
)

// AdapterStatus records how one adapter invocation ended. A failed adapter
// never fails the turn; its status is the only trace it leaves.
type AdapterStatus struct {
	Source  SourceKind    `json:"source"`
	State   AdapterState  `json:"state"`
	Items   int           `json:"items"`
	Err     string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// =============================================================================
// Turn State
// =============================================================================

// TurnState is the state machine position of a turn.
type TurnState int

const (
	StatePreprocessing TurnState = iota
	StateRouting
	StateRetrieving
	StateMerging
	StateDrafting
	StateVerifying
	StateRequerying
	StateDelivering
	StateFailed
)

var turnStateNames = map[TurnState]string{
	StatePreprocessing: "preprocessing",
	StateRouting:       "routing",
	StateRetrieving:    "retrieving",
	StateMerging:       "merging",
	StateDrafting:      "drafting",
	StateVerifying:     "verifying",
	StateRequerying:    "requerying",
	StateDelivering:    "delivering",
	StateFailed:        "failed",
}

// String returns the lowercase state name.
func (s TurnState) String() string {
	if n, ok := turnStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether the state ends the turn.
func (s TurnState) Terminal() bool {
	return s == StateDelivering || s == StateFailed
}

// MarshalJSON encodes the state by name so persisted turns stay readable and
// stable across reorderings of the constant block.
func (s TurnState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name produced by MarshalJSON.
func (s *TurnState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range turnStateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown turn state %q", name)
}

// =============================================================================
// Turn
// =============================================================================

// Turn is one question/answer exchange. It is created at question receipt,
// filled in stage by stage, finalized at delivery, and append-only afterward.
type Turn struct {
	// ID is a UUID assigned at creation.
	ID string `json:"id"`

	// Seq is the turn's position within its session, starting at 0.
	Seq int `json:"seq"`

	// Query is the preprocessed question.
	Query Query `json:"query"`

	// Route is the retrieval plan kind chosen for the turn.
	Route RouteKind `json:"route,omitempty"`

	// State is the current (or terminal) machine state.
	State TurnState `json:"state"`

	// Evidence holds every item retrieval produced, in canonical merge
	// order. Ordering carries no semantic weight.
	Evidence []EvidenceItem `json:"evidence,omitempty"`

	// AdapterStatus records one entry per coordinator invocation.
	AdapterStatus []AdapterStatus `json:"adapter_status,omitempty"`

	// Facts are the merged, attributed per-field results.
	Facts []MergedFact `json:"facts,omitempty"`

	// Draft is the unverified synthesized answer.
	Draft string `json:"draft,omitempty"`

	// Verification is the consistency check outcome.
	Verification VerificationReport `json:"verification"`

	// Answer is the delivered final text.
	Answer string `json:"answer,omitempty"`

	// AnswerHash is the hex SHA-256 of Answer, computed while the draft is
	// accumulated in locked memory. Supports transcript integrity checks.
	AnswerHash string `json:"answer_hash,omitempty"`

	// Requeried is true when the single bounded re-query transition ran.
	Requeried bool `json:"requeried,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Message is one transcript entry derived from a turn, the shape session
// archives and rolling context windows use.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Messages renders the turn as its user/assistant transcript pair. Turns
// that never reached delivery render only the user side.
func (t *Turn) Messages() []Message {
	msgs := []Message{{Role: "user", Text: t.Query.Raw, Timestamp: t.StartedAt}}
	if t.Answer != "" {
		msgs = append(msgs, Message{Role: "assistant", Text: t.Answer, Timestamp: t.CompletedAt})
	}
	return msgs
}

// LowTrustEvidence returns the turn's evidence items from low-trust sources.
func (t *Turn) LowTrustEvidence() []EvidenceItem {
	var out []EvidenceItem
	for _, it := range t.Evidence {
		if it.Trust == TrustLow {
			out = append(out, it)
		}
	}
	return out
}

// UsedLowTrustSources reports whether any merged fact draws on a low-trust
// source, which is what obligates verification.
func (t *Turn) UsedLowTrustSources() bool {
	for _, f := range t.Facts {
		for _, s := range f.Sources {
			if s.Trust == TrustLow {
				return true
			}
		}
	}
	return false
}
