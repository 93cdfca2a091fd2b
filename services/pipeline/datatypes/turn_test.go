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
	"testing"
	"time"
)

func TestTurnStateJSONRoundTrip(t *testing.T) {
	for st := StatePreprocessing; st <= StateFailed; st++ {
		data, err := json.Marshal(st)
		if err != nil {
			t.Fatalf("marshal %v: %v", st, err)
		}
		var back TurnState
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if back != st {
			t.Errorf("round trip %v -> %s -> %v", st, data, back)
		}
	}

	var bad TurnState
	if err := json.Unmarshal([]byte(`"dreaming"`), &bad); err == nil {
		t.Error("expected error for unknown state name")
	}
}

func TestTurnStateTerminal(t *testing.T) {
	terminals := map[TurnState]bool{
		StateDelivering: true,
		StateFailed:     true,
	}
	for st := StatePreprocessing; st <= StateFailed; st++ {
		if got := st.Terminal(); got != terminals[st] {
			t.Errorf("%v.Terminal() = %v, want %v", st, got, terminals[st])
		}
	}
}

func TestTrustTierOrdering(t *testing.T) {
	if !(TrustLow < TrustMedium && TrustMedium < TrustHigh) {
		t.Fatal("trust tiers must be ordered low < medium < high")
	}
	if TrustHigh.Weight() <= TrustMedium.Weight() || TrustMedium.Weight() <= TrustLow.Weight() {
		t.Fatal("tier weights must increase with trust")
	}
	if SourceTabular.Trust() != TrustHigh || SourceChemical.Trust() != TrustHigh {
		t.Error("structured stores must be high trust")
	}
	if SourceVector.Trust() != TrustMedium {
		t.Error("embedding index must be medium trust")
	}
	for _, k := range []SourceKind{SourceWeb, SourceVideo, SourceNews} {
		if k.Trust() != TrustLow {
			t.Errorf("%s must be low trust", k)
		}
	}
}

func TestSessionAppendOnly(t *testing.T) {
	now := time.Now().UTC()
	s := &Session{ID: "sess-1", CreatedAt: now}

	const n = 4
	for i := 0; i < n; i++ {
		s.Append(Turn{
			ID:          "turn",
			Query:       Query{Raw: "question", SessionID: s.ID},
			State:       StateDelivering,
			Answer:      "answer",
			StartedAt:   now,
			CompletedAt: now.Add(time.Duration(i) * time.Second),
		})
	}

	if len(s.Turns) != n {
		t.Fatalf("len(Turns) = %d, want %d", len(s.Turns), n)
	}
	for i, turn := range s.Turns {
		if turn.Seq != i {
			t.Errorf("turn %d has Seq %d", i, turn.Seq)
		}
	}

	// Mutating a copy of an earlier turn must not reach the session.
	early := s.Turns[0]
	early.Answer = "tampered"
	if s.Turns[0].Answer == "tampered" {
		t.Error("session turn aliased by a copy")
	}
}

func TestSessionContextWindow(t *testing.T) {
	s := &Session{ID: "sess-ctx"}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	questions := []string{"q1", "q2", "q3", "q4"}
	for i, q := range questions {
		s.Append(Turn{
			Query:       Query{Raw: q},
			Answer:      "a" + q,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			CompletedAt: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		})
	}

	tests := []struct {
		name      string
		k         int
		wantMsgs  int
		wantFirst string
	}{
		{name: "window smaller than history", k: 2, wantMsgs: 4, wantFirst: "q3"},
		{name: "window covers history", k: 10, wantMsgs: 8, wantFirst: "q1"},
		{name: "zero window", k: 0, wantMsgs: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := s.Context(tt.k)
			if len(msgs) != tt.wantMsgs {
				t.Fatalf("len = %d, want %d", len(msgs), tt.wantMsgs)
			}
			if tt.wantMsgs > 0 && msgs[0].Text != tt.wantFirst {
				t.Errorf("first message %q, want %q", msgs[0].Text, tt.wantFirst)
			}
		})
	}
}

func TestSessionLastSubject(t *testing.T) {
	s := &Session{}
	if s.LastSubject() != "" {
		t.Error("empty session should have no subject")
	}
	s.Append(Turn{Query: Query{Raw: "what is tylenol", Subject: "tylenol"}})
	s.Append(Turn{Query: Query{Raw: "and its side effects"}})
	if got := s.LastSubject(); got != "tylenol" {
		t.Errorf("LastSubject = %q, want tylenol", got)
	}
}

func TestTurnUsedLowTrustSources(t *testing.T) {
	structured := Turn{Facts: []MergedFact{{
		Field:   FieldEfficacy,
		Sources: []EvidenceItem{{Source: SourceTabular, Trust: TrustHigh}},
	}}}
	if structured.UsedLowTrustSources() {
		t.Error("tabular-only turn flagged as low trust")
	}

	mixed := Turn{Facts: []MergedFact{{
		Field: FieldRecentInfo,
		Sources: []EvidenceItem{
			{Source: SourceTabular, Trust: TrustHigh},
			{Source: SourceNews, Trust: TrustLow},
		},
	}}}
	if !mixed.UsedLowTrustSources() {
		t.Error("news-backed turn not flagged as low trust")
	}
}

func TestVerificationReportFractions(t *testing.T) {
	r := VerificationReport{Checked: true, Claims: []Claim{
		{Text: "a", Status: ClaimVerified},
		{Text: "b", Status: ClaimUnsupported},
		{Text: "c", Status: ClaimContradicted},
		{Text: "d", Status: ClaimUnsupported},
	}}
	if got := r.UnsupportedFraction(); got != 0.5 {
		t.Errorf("UnsupportedFraction = %v, want 0.5", got)
	}
	if got := len(r.ContradictedClaims()); got != 1 {
		t.Errorf("ContradictedClaims count = %d, want 1", got)
	}
	if (VerificationReport{}).UnsupportedFraction() != 0 {
		t.Error("empty report should report zero unsupported fraction")
	}
}
