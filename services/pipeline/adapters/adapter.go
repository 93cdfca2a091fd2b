// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapters wraps each external evidence source behind one
// interface. Adapters return plain evidence or a plain error; timeout
// enforcement, panic isolation, caching, and error classification are the
// retrieval coordinator's job, so nothing here retries or swallows
// failures.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

// Request is one retrieval invocation, already routed.
type Request struct {
	// Subject is the canonical product or ingredient name. May be empty
	// for symptom-only recommendation queries.
	Subject string

	// EnglishSubject is the translated name for sources indexed in
	// English. Falls back to Subject when empty.
	EnglishSubject string

	// Fields are the attributes to retrieve.
	Fields []string

	// Condition is the ailment for recommendation queries.
	Condition string

	// Question is the normalized user question, for semantic sources.
	Question string
}

// SearchText is what semantic and keyword sources query for.
func (r Request) SearchText() string {
	if r.Subject != "" {
		return r.Subject
	}
	if r.Condition != "" {
		return r.Condition
	}
	return r.Question
}

// Adapter is one evidence source.
//
// # Thread Safety
//
// Implementations must be safe for concurrent Fetch calls; the coordinator
// fans out across adapters and may run overlapping turns.
type Adapter interface {
	// Kind identifies the source.
	Kind() datatypes.SourceKind

	// Timeout is this source's per-call budget. The coordinator derives a
	// child context from it.
	Timeout() time.Duration

	// Fetch retrieves evidence for one request. An empty result with a
	// nil error means the source had nothing, which is not a failure.
	Fetch(ctx context.Context, req Request) ([]datatypes.EvidenceItem, error)
}

// waitLimiter blocks on the adapter's politeness limiter when one is
// configured.
func waitLimiter(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// getJSON performs one GET and decodes the JSON body. Non-2xx statuses
// other than 404 are errors; 404 means the source does not know the
// entity and yields (false, nil).
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}
