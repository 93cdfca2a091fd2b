// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import "testing"

func TestParsePersonalityLevel(t *testing.T) {
	tests := []struct {
		input string
		want  PersonalityLevel
	}{
		{"full", PersonalityFull},
		{"f", PersonalityFull},
		{"FULL", PersonalityFull},
		{"standard", PersonalityStandard},
		{"std", PersonalityStandard},
		{"minimal", PersonalityMinimal},
		{"min", PersonalityMinimal},
		{"machine", PersonalityMachine},
		{"quiet", PersonalityMachine},
		{"q", PersonalityMachine},
		{"", PersonalityStandard},
		{"bogus", PersonalityStandard},
	}

	for _, tt := range tests {
		if got := ParsePersonalityLevel(tt.input); got != tt.want {
			t.Errorf("ParsePersonalityLevel(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSetPersonalityLevel_RoundTrip(t *testing.T) {
	old := GetPersonality().Level
	defer SetPersonalityLevel(old)

	SetPersonalityLevel(PersonalityMinimal)
	if got := GetPersonality().Level; got != PersonalityMinimal {
		t.Errorf("expected minimal, got %q", got)
	}
}

func TestInitPersonality_EnvOverride(t *testing.T) {
	old := GetPersonality().Level
	defer SetPersonalityLevel(old)

	t.Setenv("MEDIQUERY_PERSONALITY", "machine")
	InitPersonality()

	if got := GetPersonality().Level; got != PersonalityMachine {
		t.Errorf("expected machine from env, got %q", got)
	}
}

func TestInitPersonality_EnvBeatsTerminalProbe(t *testing.T) {
	old := GetPersonality().Level
	defer SetPersonalityLevel(old)

	// The env override must win regardless of whether stdout is a TTY.
	t.Setenv("MEDIQUERY_PERSONALITY", "minimal")
	InitPersonality()

	if got := GetPersonality().Level; got != PersonalityMinimal {
		t.Errorf("expected minimal from env, got %q", got)
	}
}

func TestShouldShowProgress(t *testing.T) {
	old := GetPersonality().Level
	defer SetPersonalityLevel(old)

	SetPersonalityLevel(PersonalityFull)
	if !ShouldShowProgress() {
		t.Error("expected progress in full mode")
	}

	SetPersonalityLevel(PersonalityMachine)
	if ShouldShowProgress() {
		t.Error("expected no progress in machine mode")
	}
}
