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
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

// VectorClassName is the embedding index class holding medicine document
// chunks.
const VectorClassName = "MedicineDocument"

// VectorConfig configures the embedding index adapter.
type VectorConfig struct {
	// Client is the shared Weaviate client.
	Client *weaviate.Client

	// Class overrides VectorClassName, mainly for tests.
	Class string

	// TopK is how many chunks survive per field. Default 3.
	TopK int

	// CallTimeout is the per-call budget. Default 6s.
	CallTimeout time.Duration
}

// VectorAdapter searches the embedding index. Document chunks are
// leaflet and article text: useful, but medium trust because chunking
// loses surrounding context.
type VectorAdapter struct {
	cfg VectorConfig
	now func() time.Time
}

var _ Adapter = (*VectorAdapter)(nil)

// NewVectorAdapter builds the adapter.
func NewVectorAdapter(cfg VectorConfig) *VectorAdapter {
	if cfg.Class == "" {
		cfg.Class = VectorClassName
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 6 * time.Second
	}
	return &VectorAdapter{cfg: cfg, now: time.Now}
}

// Kind implements Adapter.
func (a *VectorAdapter) Kind() datatypes.SourceKind { return datatypes.SourceVector }

// Timeout implements Adapter.
func (a *VectorAdapter) Timeout() time.Duration { return a.cfg.CallTimeout }

// Fetch implements Adapter. One nearText query per requested field keeps
// field attribution exact; chunks that duplicate an earlier chunk's
// opening are dropped.
func (a *VectorAdapter) Fetch(ctx context.Context, req Request) ([]datatypes.EvidenceItem, error) {
	fields := req.Fields
	if len(fields) == 0 {
		fields = datatypes.DefaultFields()
	}

	var items []datatypes.EvidenceItem
	seen := make(map[string]struct{})
	for _, field := range fields {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		fieldItems, err := a.search(ctx, req, field)
		if err != nil {
			return items, err
		}
		for _, it := range fieldItems {
			key := payloadPrefix(it.Payload, 100)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			items = append(items, it)
		}
	}
	return items, nil
}

func (a *VectorAdapter) search(ctx context.Context, req Request, field string) ([]datatypes.EvidenceItem, error) {
	concepts := []string{req.SearchText()}
	if readable := strings.ReplaceAll(field, "_", " "); readable != "" {
		concepts = append(concepts, readable)
	}
	nearText := a.cfg.Client.GraphQL().NearTextArgBuilder().WithConcepts(concepts)

	query := a.cfg.Client.GraphQL().Get().
		WithClassName(a.cfg.Class).
		WithFields(
			graphql.Field{Name: "content"},
			graphql.Field{Name: "source"},
			graphql.Field{Name: "field"},
			graphql.Field{Name: "product"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{
				{Name: "id"},
				{Name: "certainty"},
			}},
		).
		WithNearText(nearText).
		WithLimit(a.cfg.TopK * 3)

	if req.Subject != "" {
		query = query.WithWhere(filters.Where().
			WithPath([]string{"product"}).
			WithOperator(filters.Equal).
			WithValueString(req.Subject))
	}

	result, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("embedding search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("embedding search: %s", result.Errors[0].Message)
	}
	return a.parse(result, req.Subject, field), nil
}

func (a *VectorAdapter) parse(result *models.GraphQLResponse, subject, requestedField string) []datatypes.EvidenceItem {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[a.cfg.Class].([]interface{})
	if !ok {
		return nil
	}

	retrieved := a.now().UTC()
	items := make([]datatypes.EvidenceItem, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		content := strings.TrimSpace(getString(m, "content"))
		if content == "" {
			continue
		}

		field := getString(m, "field")
		if field == "" {
			field = requestedField
		}

		item := datatypes.EvidenceItem{
			Source:      datatypes.SourceVector,
			SourceID:    getString(m, "source"),
			Subject:     subject,
			Field:       field,
			Payload:     content,
			Trust:       datatypes.SourceVector.Trust(),
			RetrievedAt: retrieved,
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if id := getString(additional, "id"); id != "" && item.SourceID == "" {
				item.SourceID = id
			}
			if certainty, ok := additional["certainty"].(float64); ok {
				item.Score = certainty
			}
		}
		items = append(items, item)

		if len(items) >= a.cfg.TopK {
			break
		}
	}
	return items
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func payloadPrefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
