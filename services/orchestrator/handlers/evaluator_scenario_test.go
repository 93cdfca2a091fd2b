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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
)

// sampleScenarioYAML mirrors the scenario files shipped under scenarios/.
const sampleScenarioYAML = `
metadata:
  id: analgesics-smoke
  version: "1"
  description: Basic analgesic questions with a follow-up
  author: qa
  created: "2025-11-02"

evaluation:
  max_latency_ms: 90000
  pause_between_ms: 250

cases:
  - id: efficacy
    question: What is Tylenol used for?
    expect:
      subject: Tylenol
      route: medicine_info
      state: delivering
      contains: ["pain"]
  - id: follow-up
    question: What about its side effects?
    continue_session: true
    expect:
      subject: Tylenol
      not_contains: ["couldn't find enough reliable information"]
      max_latency_ms: 30000
`

func TestEvalScenario_ParsesYAML(t *testing.T) {
	var scenario datatypes.EvalScenario
	require.NoError(t, yaml.Unmarshal([]byte(sampleScenarioYAML), &scenario))
	require.NoError(t, scenario.Validate())

	assert.Equal(t, "analgesics-smoke", scenario.Metadata.ID)
	assert.Equal(t, "1", scenario.Metadata.Version)
	assert.Equal(t, 90000, scenario.Evaluation.MaxLatencyMS)
	assert.Equal(t, 250, scenario.Evaluation.PauseBetweenMS)

	require.Len(t, scenario.Cases, 2)

	first := scenario.Cases[0]
	assert.Equal(t, "efficacy", first.ID)
	assert.False(t, first.ContinueSession)
	assert.Equal(t, "Tylenol", first.Expect.Subject)
	assert.Equal(t, "medicine_info", first.Expect.Route)
	assert.Equal(t, []string{"pain"}, first.Expect.Contains)

	second := scenario.Cases[1]
	assert.True(t, second.ContinueSession)
	assert.Equal(t, []string{"couldn't find enough reliable information"}, second.Expect.NotContains)
	assert.Equal(t, 30000, second.Expect.MaxLatencyMS, "per-case bound overrides the scenario default")
}

func TestEvalScenario_Validate(t *testing.T) {
	valid := func() *datatypes.EvalScenario {
		s := &datatypes.EvalScenario{}
		s.Metadata.ID = "smoke"
		s.Cases = []datatypes.EvalCase{
			{ID: "a", Question: "What is Tylenol?"},
			{ID: "b", Question: "What about its dosage?", ContinueSession: true},
		}
		return s
	}

	tests := []struct {
		name    string
		mutate  func(*datatypes.EvalScenario)
		wantErr string
	}{
		{"valid scenario", func(s *datatypes.EvalScenario) {}, ""},
		{"missing id", func(s *datatypes.EvalScenario) { s.Metadata.ID = "" }, "metadata.id"},
		{"query-unsafe id", func(s *datatypes.EvalScenario) { s.Metadata.ID = `x") |> drop()` }, "metadata.id"},
		{"no cases", func(s *datatypes.EvalScenario) { s.Cases = nil }, "no cases"},
		{"case without question", func(s *datatypes.EvalScenario) { s.Cases[1].Question = "" }, "no question"},
		{"first case cannot continue", func(s *datatypes.EvalScenario) { s.Cases[0].ContinueSession = true }, "first case"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
