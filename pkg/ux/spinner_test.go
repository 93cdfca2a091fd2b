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

import (
	"errors"
	"strings"
	"testing"
)

func TestSpinner_MachineModePrintsOnce(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		s := NewSpinner("contacting orchestrator")
		out := captureStdout(func() {
			s.Start()
			s.Stop()
		})
		if out != "PROGRESS: contacting orchestrator\n" {
			t.Errorf("unexpected machine spinner output: %q", out)
		}
	})
}

func TestSpinner_DoubleStartIsSafe(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		s := NewSpinner("working")
		out := captureStdout(func() {
			s.Start()
			s.Start()
			s.Stop()
		})
		if strings.Count(out, "PROGRESS:") != 1 {
			t.Errorf("expected a single progress line, got %q", out)
		}
	})
}

func TestSpinner_StopWithoutStartIsSafe(t *testing.T) {
	s := NewSpinner("idle")
	s.Stop() // must not panic or block
}

func TestWithSpinner_PropagatesError(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		wantErr := errors.New("boom")
		err := WithSpinner("running", func() error { return wantErr })
		if !errors.Is(err, wantErr) {
			t.Errorf("expected wrapped boom, got %v", err)
		}
	})
}

func TestWithSpinner_NilOnSuccess(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		if err := WithSpinner("running", func() error { return nil }); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})
}

func TestSpinner_UpdateMessage(t *testing.T) {
	s := NewSpinner("first")
	s.UpdateMessage("second")

	s.mu.Lock()
	got := s.message
	s.mu.Unlock()

	if got != "second" {
		t.Errorf("expected updated message, got %q", got)
	}
}

func TestSpinner_WithType(t *testing.T) {
	s := NewSpinner("typed").WithType(SpinnerPulse)
	if s.spinType != SpinnerPulse {
		t.Errorf("expected pulse type, got %d", s.spinType)
	}
}
