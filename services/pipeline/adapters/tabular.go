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
	"strings"
	"time"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

// TabularConfig configures the structured attribute store adapter.
type TabularConfig struct {
	// BaseURL is the attribute service root, e.g. "http://data:8084".
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// CallTimeout is the per-call budget. Default 5s.
	CallTimeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// TabularAdapter reads per-entity attributes from the structured store.
// This is the highest-trust source: curated rows, one authoritative value
// per field.
type TabularAdapter struct {
	cfg TabularConfig
	now func() time.Time
}

var _ Adapter = (*TabularAdapter)(nil)

// NewTabularAdapter builds the adapter.
func NewTabularAdapter(cfg TabularConfig) *TabularAdapter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &TabularAdapter{cfg: cfg, now: time.Now}
}

// Kind implements Adapter.
func (a *TabularAdapter) Kind() datatypes.SourceKind { return datatypes.SourceTabular }

// Timeout implements Adapter.
func (a *TabularAdapter) Timeout() time.Duration { return a.cfg.CallTimeout }

type attributeResponse struct {
	Entity     string            `json:"entity"`
	Attributes map[string]string `json:"attributes"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Fetch implements Adapter. An unknown entity yields no evidence, not an
// error.
func (a *TabularAdapter) Fetch(ctx context.Context, req Request) ([]datatypes.EvidenceItem, error) {
	if req.Subject == "" {
		return nil, nil
	}

	q := url.Values{}
	q.Set("entity", req.Subject)
	if len(req.Fields) > 0 {
		q.Set("fields", strings.Join(req.Fields, ","))
	}
	endpoint := fmt.Sprintf("%s/v1/attributes?%s", strings.TrimRight(a.cfg.BaseURL, "/"), q.Encode())

	headers := map[string]string{}
	if a.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + a.cfg.APIKey
	}

	var resp attributeResponse
	found, err := getJSON(ctx, a.cfg.HTTPClient, endpoint, headers, &resp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	retrieved := a.now().UTC()
	items := make([]datatypes.EvidenceItem, 0, len(resp.Attributes))
	for field, value := range resp.Attributes {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		items = append(items, datatypes.EvidenceItem{
			Source:      datatypes.SourceTabular,
			SourceID:    resp.Entity,
			Subject:     req.Subject,
			Field:       field,
			Payload:     value,
			Trust:       datatypes.SourceTabular.Trust(),
			RetrievedAt: retrieved,
			PublishedAt: resp.UpdatedAt,
		})
	}
	return items, nil
}
