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
	"fmt"
	"time"

	"github.com/AleutianAI/MediQuery/pkg/validation"
)

// ScenarioMetadata tracks the identity of the question set being run
type ScenarioMetadata struct {
	ID          string `yaml:"id" json:"id"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description" json:"description"`
	Author      string `yaml:"author" json:"author"`
	Created     string `yaml:"created" json:"created"`
}

// EvalExpect describes what a correct response to one case looks like.
// Zero-valued fields are not checked, so a case can pin down as much or
// as little as it cares about.
type EvalExpect struct {
	Subject      string   `yaml:"subject" json:"subject"`
	Route        string   `yaml:"route" json:"route"`
	State        string   `yaml:"state" json:"state"`
	Contains     []string `yaml:"contains" json:"contains"`
	NotContains  []string `yaml:"not_contains" json:"not_contains"`
	MaxLatencyMS int      `yaml:"max_latency_ms" json:"max_latency_ms"`
}

// EvalCase is one scripted question in a scenario
type EvalCase struct {
	ID       string `yaml:"id" json:"id"`
	Question string `yaml:"question" json:"question"`

	// ContinueSession reuses the session from the previous case so the
	// question can lean on subject carryover ("what about its side
	// effects?"). The first case of a scenario always starts fresh.
	ContinueSession bool `yaml:"continue_session" json:"continue_session"`

	Expect EvalExpect `yaml:"expect" json:"expect"`
}

// EvalScenario represents the full configuration file
type EvalScenario struct {
	Metadata ScenarioMetadata `yaml:"metadata" json:"metadata"`

	Evaluation struct {
		// MaxLatencyMS bounds every case that does not set its own.
		// Zero disables the latency check.
		MaxLatencyMS int `yaml:"max_latency_ms" json:"max_latency_ms"`

		// PauseBetweenMS inserts a delay between cases so a run against a
		// shared deployment does not hammer the generative backend.
		PauseBetweenMS int `yaml:"pause_between_ms" json:"pause_between_ms"`
	} `yaml:"evaluation" json:"evaluation"`

	Cases []EvalCase `yaml:"cases" json:"cases"`
}

// Validate checks the parsed scenario for holes that would make a run
// meaningless. Call after unmarshalling.
func (s *EvalScenario) Validate() error {
	if s.Metadata.ID == "" {
		return fmt.Errorf("scenario metadata.id is required")
	}
	// The id ends up in InfluxDB tags and run ids, so it has to be
	// query- and filename-safe.
	if err := validation.ValidateScenarioID(s.Metadata.ID); err != nil {
		return fmt.Errorf("scenario metadata.id: %w", err)
	}
	if len(s.Cases) == 0 {
		return fmt.Errorf("scenario %q has no cases", s.Metadata.ID)
	}
	for i, c := range s.Cases {
		if c.Question == "" {
			return fmt.Errorf("case %d (%q) has no question", i, c.ID)
		}
		if i == 0 && c.ContinueSession {
			return fmt.Errorf("case %d (%q) cannot continue a session, it is the first case", i, c.ID)
		}
	}
	return nil
}

// EvalCaseResult captures the outcome of one case for storage
type EvalCaseResult struct {
	ScenarioID string
	CaseID     string
	RunID      string

	Question  string
	SessionID string
	Route     string
	State     string

	Passed   bool
	Failures []string

	LatencyMS int64
	Requeried bool
	Conflicts int
	AnswerLen int

	// Claim counters come from the verification report and are zero when
	// the consistency check did not run.
	ClaimsChecked      int
	ClaimsUnsupported  int
	ClaimsContradicted int

	Timestamp time.Time
}

// EvalSummary aggregates one full scenario run
type EvalSummary struct {
	RunID  string
	Total  int
	Passed int
	Failed int

	Elapsed time.Duration
}
