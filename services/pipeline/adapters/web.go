// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

// WebConfig configures the web search adapter.
type WebConfig struct {
	// BaseURL is the search API root.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Count is how many results to request. Default 5.
	Count int

	// CallTimeout is the per-call budget. Default 8s.
	CallTimeout time.Duration

	// Limiter throttles outbound calls. Default 5 req/s.
	Limiter *rate.Limiter

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// WebAdapter queries a general web search API. Low trust: anyone can
// publish a page.
type WebAdapter struct {
	cfg WebConfig
	now func() time.Time
}

var _ Adapter = (*WebAdapter)(nil)

// NewWebAdapter builds the adapter.
func NewWebAdapter(cfg WebConfig) *WebAdapter {
	if cfg.Count <= 0 {
		cfg.Count = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 8 * time.Second
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Every(200*time.Millisecond), 1)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &WebAdapter{cfg: cfg, now: time.Now}
}

// Kind implements Adapter.
func (a *WebAdapter) Kind() datatypes.SourceKind { return datatypes.SourceWeb }

// Timeout implements Adapter.
func (a *WebAdapter) Timeout() time.Duration { return a.cfg.CallTimeout }

type webSearchResponse struct {
	Results []struct {
		Title     string    `json:"title"`
		URL       string    `json:"url"`
		Snippet   string    `json:"snippet"`
		Published time.Time `json:"published,omitzero"`
	} `json:"results"`
}

// Fetch implements Adapter.
func (a *WebAdapter) Fetch(ctx context.Context, req Request) ([]datatypes.EvidenceItem, error) {
	if err := waitLimiter(ctx, a.cfg.Limiter); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", searchQuery(req))
	q.Set("count", strconv.Itoa(a.cfg.Count))
	endpoint := fmt.Sprintf("%s/search?%s", strings.TrimRight(a.cfg.BaseURL, "/"), q.Encode())

	headers := map[string]string{}
	if a.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + a.cfg.APIKey
	}

	var resp webSearchResponse
	found, err := getJSON(ctx, a.cfg.HTTPClient, endpoint, headers, &resp)
	if err != nil || !found {
		return nil, err
	}

	retrieved := a.now().UTC()
	items := make([]datatypes.EvidenceItem, 0, len(resp.Results))
	for _, r := range resp.Results {
		payload := strings.TrimSpace(r.Snippet)
		if payload == "" {
			// A result with no snippet is a bare link; merge would discard
			// it anyway.
			continue
		}
		if title := strings.TrimSpace(r.Title); title != "" {
			payload = title + ": " + payload
		}
		items = append(items, datatypes.EvidenceItem{
			Source:      datatypes.SourceWeb,
			SourceID:    r.URL,
			Subject:     req.Subject,
			Field:       datatypes.FieldRecentInfo,
			Payload:     payload,
			Trust:       datatypes.SourceWeb.Trust(),
			RetrievedAt: retrieved,
			PublishedAt: r.Published,
		})
	}
	return items, nil
}

// searchQuery builds the outbound query text for keyword sources.
func searchQuery(req Request) string {
	parts := []string{req.SearchText()}
	for _, f := range req.Fields {
		if f == datatypes.FieldRecentInfo {
			parts = append(parts, "new medicine")
			break
		}
	}
	return strings.Join(parts, " ")
}
