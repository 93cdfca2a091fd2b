// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"testing"

	"github.com/google/uuid"
)

func TestDeterministicIDStableAndDistinct(t *testing.T) {
	a := deterministicID("qasession:sess-1")
	if b := deterministicID("qasession:sess-1"); a != b {
		t.Errorf("same name produced different ids: %s vs %s", a, b)
	}
	if c := deterministicID("qasession:sess-2"); a == c {
		t.Errorf("different names collided on id %s", a)
	}
	// Weaviate rejects ids that are not well-formed UUIDs.
	if _, err := uuid.Parse(string(a)); err != nil {
		t.Errorf("id %q is not a valid UUID: %v", a, err)
	}
}

func TestArchiveSchemaCarriesFilterFields(t *testing.T) {
	// The purge path filters on session_id and the retention pass on
	// completed_at and updated_at. Renaming a property without updating
	// those filters would silently stop both.
	propNames := func(class string) map[string]bool {
		schema := qaSessionSchema()
		if class == QATurnClass {
			schema = qaTurnSchema()
		}
		names := make(map[string]bool, len(schema.Properties))
		for _, p := range schema.Properties {
			names[p.Name] = true
		}
		return names
	}

	turn := propNames(QATurnClass)
	for _, name := range []string{"session_id", "completed_at"} {
		if !turn[name] {
			t.Errorf("turn class lost property %q", name)
		}
	}
	sess := propNames(QASessionClass)
	for _, name := range []string{"session_id", "updated_at"} {
		if !sess[name] {
			t.Errorf("session class lost property %q", name)
		}
	}
}
