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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

// newFakeWeaviate serves canned GraphQL responses keyed by nothing in
// particular; every query gets the same object list.
func newFakeWeaviate(t *testing.T, objects []map[string]any) (*weaviate.Client, *int) {
	t.Helper()
	queries := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/graphql", func(w http.ResponseWriter, r *http.Request) {
		queries++
		body, _ := json.Marshal(map[string]any{
			"data": map[string]any{
				"Get": map[string]any{
					"MedicineDocument": objects,
				},
			},
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: u.Host, Scheme: u.Scheme})
	if err != nil {
		t.Fatalf("weaviate client: %v", err)
	}
	return client, &queries
}

func TestVectorAdapterSearchAndDedupe(t *testing.T) {
	longText := strings.Repeat("Tylenol relieves mild to moderate pain. ", 5)
	objects := []map[string]any{
		{
			"content": longText,
			"source":  "leaflet-001",
			"field":   "efficacy",
			"product": "Tylenol",
			"_additional": map[string]any{
				"id":        "aaaa",
				"certainty": 0.93,
			},
		},
		{
			// Same opening as the first chunk; must be deduped.
			"content": longText + " Extra trailing sentence.",
			"source":  "leaflet-001",
			"field":   "efficacy",
			"product": "Tylenol",
			"_additional": map[string]any{
				"id":        "bbbb",
				"certainty": 0.91,
			},
		},
		{
			"content": "Do not exceed 4g per day.",
			"source":  "leaflet-002",
			"field":   "",
			"product": "Tylenol",
			"_additional": map[string]any{
				"id":        "cccc",
				"certainty": 0.88,
			},
		},
	}
	client, queries := newFakeWeaviate(t, objects)

	a := NewVectorAdapter(VectorConfig{Client: client, TopK: 3})
	items, err := a.Fetch(context.Background(), Request{
		Subject: "Tylenol",
		Fields:  []string{datatypes.FieldUsage},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if *queries != 1 {
		t.Errorf("issued %d queries, want 1 per field", *queries)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 after prefix dedupe", len(items))
	}
	if items[0].Score != 0.93 {
		t.Errorf("score = %v, want certainty carried through", items[0].Score)
	}
	if items[0].Field != "efficacy" {
		t.Errorf("field = %q, want the document's own field", items[0].Field)
	}
	// The document with no field inherits the requested one.
	if items[1].Field != datatypes.FieldUsage {
		t.Errorf("field = %q, want requested field fallback", items[1].Field)
	}
	for _, it := range items {
		if it.Source != datatypes.SourceVector || it.Trust != datatypes.TrustMedium {
			t.Errorf("item %+v, want medium-trust vector", it)
		}
	}
}

func TestVectorAdapterQueryPerField(t *testing.T) {
	client, queries := newFakeWeaviate(t, nil)

	a := NewVectorAdapter(VectorConfig{Client: client, TopK: 3})
	_, err := a.Fetch(context.Background(), Request{
		Subject: "Advil",
		Fields:  []string{datatypes.FieldEfficacy, datatypes.FieldSideEffects, datatypes.FieldUsage},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if *queries != 3 {
		t.Errorf("issued %d queries, want one per requested field", *queries)
	}
}
