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
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

// Helper to capture stdout
func captureStdout(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// Helper to capture stderr
func captureStderr(f func()) string {
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	f()

	w.Close()
	os.Stderr = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// withLevel runs f with the personality pinned to level and restores the
// previous level afterwards.
func withLevel(t *testing.T, level PersonalityLevel, f func()) {
	t.Helper()
	old := GetPersonality().Level
	SetPersonalityLevel(level)
	defer SetPersonalityLevel(old)
	f()
}

func TestIcon_Render_NonEmpty(t *testing.T) {
	icons := []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow, IconBullet}
	for _, icon := range icons {
		if icon.Render() == "" {
			t.Errorf("expected non-empty render for icon %q", string(icon))
		}
	}
}

func TestSuccess_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := captureStdout(func() { Success("cache swept") })
		if out != "OK: cache swept\n" {
			t.Errorf("unexpected machine output: %q", out)
		}
	})
}

func TestError_MachineModeWritesStderr(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		errOut := captureStderr(func() { Error("orchestrator unreachable") })
		if errOut != "ERROR: orchestrator unreachable\n" {
			t.Errorf("unexpected machine stderr: %q", errOut)
		}
	})
}

func TestWarning_MachineModeWritesStderr(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		errOut := captureStderr(func() { Warning("no admin key set") })
		if !strings.HasPrefix(errOut, "WARN: ") {
			t.Errorf("expected WARN prefix, got %q", errOut)
		}
	})
}

func TestMuted_MachineModeSilent(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := captureStdout(func() { Muted("details") })
		if out != "" {
			t.Errorf("expected no output in machine mode, got %q", out)
		}
	})
}

func TestKeyValue_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := captureStdout(func() { KeyValue("session", "sess-42") })
		if out != "session=sess-42\n" {
			t.Errorf("unexpected machine key/value: %q", out)
		}
	})
}

func TestSummary_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := captureStdout(func() { Summary(8, 2, 10) })
		if out != "SUMMARY: passed=8 failed=2 total=10\n" {
			t.Errorf("unexpected machine summary: %q", out)
		}
	})
}

func TestSummary_FullModeContainsCounts(t *testing.T) {
	withLevel(t, PersonalityFull, func() {
		out := captureStdout(func() { Summary(8, 2, 10) })
		for _, want := range []string{"8", "2", "10", "passed", "failed", "total"} {
			if !strings.Contains(out, want) {
				t.Errorf("summary missing %q: %q", want, out)
			}
		}
	})
}

func TestProgressBar_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		if got := ProgressBar(3, 10, 20); got != "3/10" {
			t.Errorf("unexpected machine progress: %q", got)
		}
	})
}

func TestProgressBar_FullModeShowsPercent(t *testing.T) {
	withLevel(t, PersonalityFull, func() {
		got := ProgressBar(5, 10, 20)
		if !strings.Contains(got, "50%") {
			t.Errorf("expected 50%% in bar, got %q", got)
		}
	})
}

func TestBox_MachineModeFlattens(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		out := captureStdout(func() { Box("Answer", "Tylenol relieves pain.") })
		if out != "Answer: Tylenol relieves pain.\n" {
			t.Errorf("unexpected machine box: %q", out)
		}
	})
}
