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
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestPipelineErrorClassification(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name     string
		err      error
		sentinel error
		notMatch error
	}{
		{
			name:     "adapter unavailable",
			err:      NewAdapterUnavailable(SourceNews, cause),
			sentinel: ErrAdapterUnavailable,
			notMatch: ErrGenerativeService,
		},
		{
			name:     "no evidence",
			err:      NewNoEvidenceFound("aspirin"),
			sentinel: ErrNoEvidenceFound,
			notMatch: ErrAdapterUnavailable,
		},
		{
			name:     "generative failure",
			err:      NewGenerativeError("drafting", cause),
			sentinel: ErrGenerativeService,
			notMatch: ErrCache,
		},
		{
			name:     "contradiction",
			err:      NewContradiction("year mismatch: 2024 vs 2014"),
			sentinel: ErrContradictionDetected,
			notMatch: ErrNoEvidenceFound,
		},
		{
			name:     "cache failure",
			err:      NewCacheError("put", cause),
			sentinel: ErrCache,
			notMatch: ErrContradictionDetected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.sentinel)
			}
			if errors.Is(tt.err, tt.notMatch) {
				t.Errorf("errors.Is(%v, %v) = true, want false", tt.err, tt.notMatch)
			}
		})
	}
}

func TestPipelineErrorWrapping(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := NewAdapterUnavailable(SourceWeb, cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}

	wrapped := fmt.Errorf("coordinator: %w", err)
	if !errors.Is(wrapped, ErrAdapterUnavailable) {
		t.Error("sentinel not reachable through an outer wrap")
	}

	var pe *PipelineError
	if !errors.As(wrapped, &pe) {
		t.Fatal("errors.As failed to recover *PipelineError")
	}
	if pe.Source != SourceWeb {
		t.Errorf("Source = %q, want %q", pe.Source, SourceWeb)
	}
}

func TestPipelineErrorMessage(t *testing.T) {
	err := NewAdapterUnavailable(SourceVideo, errors.New("503"))
	msg := err.Error()
	for _, want := range []string{"retrieving", "adapter unavailable", "video", "503"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}
