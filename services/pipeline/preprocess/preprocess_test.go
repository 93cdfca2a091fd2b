// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package preprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/reasoner"
)

// extractorStub satisfies reasoner.Reasoner; only ExtractEntity matters
// here.
type extractorStub struct {
	name  string
	err   error
	calls int
}

func (s *extractorStub) ExtractEntity(context.Context, string) (string, error) {
	s.calls++
	return s.name, s.err
}

func (s *extractorStub) ClassifyIntent(context.Context, reasoner.IntentRequest) (reasoner.IntentDecision, error) {
	return reasoner.IntentDecision{}, errors.New("not used")
}
func (s *extractorStub) Draft(context.Context, reasoner.DraftRequest) (string, error) {
	return "", errors.New("not used")
}
func (s *extractorStub) VerifyClaims(context.Context, []datatypes.Claim, []datatypes.EvidenceItem) ([]datatypes.Claim, error) {
	return nil, errors.New("not used")
}
func (s *extractorStub) Reconcile(context.Context, string, []reasoner.Variant) (string, error) {
	return "", errors.New("not used")
}
func (s *extractorStub) RewriteQuery(context.Context, string, datatypes.VerificationReport) (string, error) {
	return "", errors.New("not used")
}
func (s *extractorStub) TranslateName(context.Context, string) (string, error) {
	return "", errors.New("not used")
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  what is   tylenol for?  ", "what is tylenol for?"},
		{"line\none\ttab", "line one tab"},
		{"", ""},
		{"already clean", "already clean"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanProductName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Tylenol 500mg Tablets", "Tylenol"},
		{"Advil (ibuprofen) 200 mg caplets", "Advil"},
		{"Claritin 24 count", "Claritin"},
		{"Children's Motrin Suspension 5ml", "Children's Motrin"},
		{"Aspirin", "Aspirin"},
		{"Pepto-Bismol Liquid", "Pepto-Bismol"},
	}
	for _, tt := range tests {
		if got := CleanProductName(tt.in); got != tt.want {
			t.Errorf("CleanProductName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDetectFields(t *testing.T) {
	tests := []struct {
		question string
		want     []string
	}{
		{"what are the side effects of advil?", []string{datatypes.FieldSideEffects}},
		{"how much tylenol can I take and does it interact with coffee?",
			[]string{datatypes.FieldUsage, datatypes.FieldInteractions}},
		{"tell me about aspirin", nil},
		{"is zyrtec safe to take while driving", []string{datatypes.FieldPrecautions}},
		{"how should I store this and when does it expire", []string{datatypes.FieldStorage}},
	}
	for _, tt := range tests {
		got := DetectFields(tt.question)
		if len(got) != len(tt.want) {
			t.Errorf("DetectFields(%q) = %v, want %v", tt.question, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("DetectFields(%q) = %v, want %v", tt.question, got, tt.want)
				break
			}
		}
	}
}

func TestLexiconMatch(t *testing.T) {
	lex := DefaultLexicon(nil)

	tests := []struct {
		question string
		want     string
		ok       bool
	}{
		{"What is Tylenol for?", "Tylenol", true},
		{"is paracetamol the same thing", "Tylenol", true},
		{"does IBUPROFEN thin blood", "Advil", true},
		{"robitussin dm dosage", "Robitussin", true},
		{"can I take pepto bismol with food", "Pepto-Bismol", true},
		{"what helps a headache", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := lex.Match(tt.question)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Match(%q) = (%q, %v), want (%q, %v)", tt.question, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLexiconLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("entries:\n  - canonical: Tylenol\n    ingredient: acetaminophen\n")
	lex, err := LoadLexicon(path, nil)
	if err != nil {
		t.Fatalf("LoadLexicon: %v", err)
	}
	t.Cleanup(lex.Close)

	if _, ok := lex.Match("acetaminophen overdose"); !ok {
		t.Error("loaded lexicon missed its own entry")
	}
	if _, ok := lex.Match("advil dosage"); ok {
		t.Error("matched an entry the file does not contain")
	}

	write("entries:\n  - canonical: Tylenol\n  - canonical: Advil\n    ingredient: ibuprofen\n")
	if err := lex.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got, ok := lex.Match("advil dosage"); !ok || got != "Advil" {
		t.Errorf("after reload Match = (%q, %v), want (Advil, true)", got, ok)
	}

	// A broken file keeps the previous index.
	write("entries: [unclosed")
	if err := lex.Reload(); err == nil {
		t.Error("Reload accepted malformed YAML")
	}
	if _, ok := lex.Match("advil dosage"); !ok {
		t.Error("failed reload dropped the previous index")
	}
}

func TestLexiconWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.yaml")
	if err := os.WriteFile(path, []byte("entries:\n  - canonical: Tylenol\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	lex, err := LoadLexicon(path, nil)
	if err != nil {
		t.Fatalf("LoadLexicon: %v", err)
	}
	t.Cleanup(lex.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := lex.Watch(ctx, 20*time.Millisecond); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("entries:\n  - canonical: Advil\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := lex.Match("advil"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher never picked up the rewritten lexicon")
}

func TestRunPrefersLexiconOverGenerative(t *testing.T) {
	stub := &extractorStub{name: "ShouldNotBeUsed"}
	p := New(DefaultLexicon(nil), stub)

	q, err := p.Run(context.Background(), "What   are Tylenol side effects?", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if q.Subject != "Tylenol" {
		t.Errorf("subject = %q, want Tylenol", q.Subject)
	}
	if stub.calls != 0 {
		t.Errorf("generative extraction ran %d times despite a lexicon hit", stub.calls)
	}
	if len(q.Fields) != 1 || q.Fields[0] != datatypes.FieldSideEffects {
		t.Errorf("fields = %v, want [side_effects]", q.Fields)
	}
	if q.Normalized != "What are Tylenol side effects?" {
		t.Errorf("normalized = %q", q.Normalized)
	}
}

func TestRunFallsBackToGenerative(t *testing.T) {
	stub := &extractorStub{name: "Xanax 0.5mg tablets"}
	p := New(DefaultLexicon(nil), stub)

	q, err := p.Run(context.Background(), "what is xanax prescribed for", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stub.calls != 1 {
		t.Errorf("generative extraction ran %d times, want 1", stub.calls)
	}
	if q.Subject != "Xanax" {
		t.Errorf("subject = %q, want Xanax after product-name cleanup", q.Subject)
	}
}

func TestRunInheritsSubjectForFollowUps(t *testing.T) {
	sess := &datatypes.Session{ID: "s1"}
	sess.Append(datatypes.Turn{
		Query:  datatypes.Query{Subject: "Claritin"},
		State:  datatypes.StateDelivering,
		Answer: "answered",
	})

	stub := &extractorStub{name: ""}
	p := New(DefaultLexicon(nil), stub)

	q, err := p.Run(context.Background(), "and what about before bed?", sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if q.Subject != "Claritin" {
		t.Errorf("subject = %q, want Claritin inherited from session", q.Subject)
	}
	if q.SessionID != "s1" {
		t.Errorf("session id = %q, want s1", q.SessionID)
	}
}

func TestRunSurvivesExtractionErrorWithInheritedSubject(t *testing.T) {
	sess := &datatypes.Session{ID: "s1"}
	sess.Append(datatypes.Turn{Query: datatypes.Query{Subject: "Advil"}})

	stub := &extractorStub{err: errors.New("backend down")}
	p := New(DefaultLexicon(nil), stub)

	q, err := p.Run(context.Background(), "is that okay on an empty stomach?", sess)
	if err != nil {
		t.Fatalf("Run should survive extraction failure with a session subject: %v", err)
	}
	if q.Subject != "Advil" {
		t.Errorf("subject = %q, want Advil", q.Subject)
	}

	// Without a session to inherit from, the failure propagates.
	if _, err := p.Run(context.Background(), "is that okay on an empty stomach?", nil); err == nil {
		t.Error("Run swallowed an extraction failure with nothing to inherit")
	}
}
