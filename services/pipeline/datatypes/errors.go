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
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// Sentinel errors for the five pipeline failure classes. Match with
// errors.Is; wrap causes with the constructors below.
var (
	// ErrAdapterUnavailable: one source failed or timed out. Non-fatal;
	// degrades the evidence set only.
	ErrAdapterUnavailable = errors.New("adapter unavailable")

	// ErrNoEvidenceFound: no adapter returned usable data. Non-fatal;
	// yields the explicit insufficient-information answer.
	ErrNoEvidenceFound = errors.New("no evidence found")

	// ErrGenerativeService: a reasoning-service call failed. Retried once,
	// then fatal for the turn.
	ErrGenerativeService = errors.New("generative service error")

	// ErrContradictionDetected: the verifier found a conflicting claim.
	// Triggers the single bounded re-query, never a hard failure.
	ErrContradictionDetected = errors.New("contradiction detected")

	// ErrCache: a cache read or write failed. Always non-fatal; logged and
	// bypassed.
	ErrCache = errors.New("cache error")
)

// PipelineError attaches stage and source context to one of the sentinel
// classes. It satisfies errors.Is for its sentinel and unwraps to its cause.
type PipelineError struct {
	// Sentinel is one of the taxonomy errors above.
	Sentinel error

	// Stage names the pipeline stage that observed the failure.
	Stage string

	// Source is set for adapter-scoped failures.
	Source SourceKind

	// Err is the underlying cause, possibly nil for pure conditions like
	// an empty evidence set.
	Err error
}

func (e *PipelineError) Error() string {
	msg := e.Sentinel.Error()
	if e.Source != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Source)
	}
	if e.Stage != "" {
		msg = fmt.Sprintf("%s: %s", e.Stage, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is matches the error against its taxonomy sentinel, so
// errors.Is(err, ErrAdapterUnavailable) works without unwrapping order
// concerns.
func (e *PipelineError) Is(target error) bool { return target == e.Sentinel }

// NewAdapterUnavailable classifies an adapter failure or timeout.
func NewAdapterUnavailable(source SourceKind, cause error) *PipelineError {
	return &PipelineError{Sentinel: ErrAdapterUnavailable, Stage: "retrieving", Source: source, Err: cause}
}

// NewNoEvidenceFound classifies an empty post-retrieval evidence set.
func NewNoEvidenceFound(subject string) *PipelineError {
	return &PipelineError{Sentinel: ErrNoEvidenceFound, Stage: "retrieving", Err: fmt.Errorf("subject %q", subject)}
}

// NewGenerativeError classifies a reasoning-service failure at a stage.
func NewGenerativeError(stage string, cause error) *PipelineError {
	return &PipelineError{Sentinel: ErrGenerativeService, Stage: stage, Err: cause}
}

// NewContradiction classifies a verifier contradiction finding.
func NewContradiction(note string) *PipelineError {
	return &PipelineError{Sentinel: ErrContradictionDetected, Stage: "verifying", Err: errors.New(note)}
}

// NewCacheError classifies a cache failure during the named operation.
func NewCacheError(op string, cause error) *PipelineError {
	return &PipelineError{Sentinel: ErrCache, Stage: op, Err: cause}
}
