// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import "testing"

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases and trims",
			in:   "  What Is Tylenol  ",
			want: "what is tylenol",
		},
		{
			name: "strips parenthetical aside",
			in:   "tylenol (500mg tablets) dosage",
			want: "tylenol dosage",
		},
		{
			name: "strips punctuation",
			in:   "what's aspirin's dosage?!",
			want: "what s aspirin s dosage",
		},
		{
			name: "collapses whitespace",
			in:   "aspirin\t\n   side   effects",
			want: "aspirin side effects",
		},
		{
			name: "keeps unicode product names",
			in:   "타이레놀 효능?",
			want: "타이레놀 효능",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Canonicalize(tt.in); got != tt.want {
				t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFingerprintDeterminism(t *testing.T) {
	// Renderings that canonicalize identically must share a fingerprint.
	equivalent := [][2]string{
		{"What is Tylenol?", "what is tylenol"},
		{"aspirin (bayer) dosage", "ASPIRIN   DOSAGE!"},
		{"ibuprofen,  side-effects", "ibuprofen side effects"},
	}
	for _, pair := range equivalent {
		a := Fingerprint("retrieve:web", pair[0])
		b := Fingerprint("retrieve:web", pair[1])
		if a != b {
			t.Errorf("equivalent inputs %q / %q fingerprinted differently", pair[0], pair[1])
		}
	}

	// Distinct canonical inputs must not collide.
	if Fingerprint("retrieve:web", "tylenol") == Fingerprint("retrieve:web", "aspirin") {
		t.Error("distinct inputs collided")
	}

	// Operation kind is part of the identity.
	if Fingerprint("retrieve:web", "tylenol") == Fingerprint("retrieve:news", "tylenol") {
		t.Error("operation kind ignored by fingerprint")
	}

	// Input boundaries matter.
	if Fingerprint("op", "ab", "c") == Fingerprint("op", "a", "bc") {
		t.Error("input boundary ambiguity")
	}
}

func TestFingerprintWithParams(t *testing.T) {
	a := FingerprintWithParams("search", map[string]string{"k": "5", "sort": "date"}, "new diabetes drug")
	b := FingerprintWithParams("search", map[string]string{"sort": "date", "k": "5"}, "New Diabetes Drug!")
	if a != b {
		t.Error("parameter order or rendering changed the fingerprint")
	}

	c := FingerprintWithParams("search", map[string]string{"k": "10", "sort": "date"}, "new diabetes drug")
	if a == c {
		t.Error("changed parameter value did not change the fingerprint")
	}
}
