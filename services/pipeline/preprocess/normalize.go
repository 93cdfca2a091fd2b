// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package preprocess

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/AleutianAI/MediQuery/services/pipeline/cache"
	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

var (
	whitespaceRe    = regexp.MustCompile(`\s+`)
	parentheticalRe = regexp.MustCompile(`\([^)]*\)`)

	// dosageRe matches strength suffixes such as "500mg", "200 mg", "5ml".
	dosageRe = regexp.MustCompile(`(?i)\b\d+(\.\d+)?\s*(mg|mcg|g|ml|iu|%)\b`)

	// packRe matches packaging counts such as "24 count", "30ct", "2 pack".
	packRe = regexp.MustCompile(`(?i)\b\d+\s*(count|ct|pack|tablets|capsules|caplets|softgels|pills)\b`)
)

// formWords are dose-form suffixes stripped from product names.
var formWords = map[string]struct{}{
	"tablet": {}, "tablets": {}, "tab": {}, "tabs": {},
	"capsule": {}, "capsules": {}, "caplet": {}, "caplets": {},
	"softgel": {}, "softgels": {}, "gelcap": {}, "gelcaps": {},
	"syrup": {}, "suspension": {}, "liquid": {}, "drops": {},
	"cream": {}, "ointment": {}, "gel": {}, "patch": {}, "spray": {},
	"chewable": {}, "powder": {}, "suppository": {},
}

// Normalize collapses whitespace and drops control characters from raw
// user text. It keeps case and punctuation: those still matter for entity
// extraction and drafting.
func Normalize(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, raw)
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(cleaned, " "))
}

// CleanProductName strips dosage, dose-form, and packaging suffixes from a
// product name so "Tylenol 500mg Tablets (2 pack)" indexes and fingerprints
// as "Tylenol".
func CleanProductName(name string) string {
	s := parentheticalRe.ReplaceAllString(name, " ")
	s = dosageRe.ReplaceAllString(s, " ")
	s = packRe.ReplaceAllString(s, " ")

	words := strings.Fields(s)
	var kept []string
	for _, w := range words {
		if _, drop := formWords[strings.ToLower(strings.Trim(w, ".,;:"))]; drop {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Trim(strings.Join(kept, " "), " .,;:")
}

// fieldKeywords maps question phrasings to the canonical attribute they ask
// for. Keys are matched as substrings of the canonicalized question.
var fieldKeywords = []struct {
	needle string
	field  string
}{
	{"side effect", datatypes.FieldSideEffects},
	{"adverse", datatypes.FieldSideEffects},
	{"make me sleepy", datatypes.FieldSideEffects},
	{"dosage", datatypes.FieldUsage},
	{"dose", datatypes.FieldUsage},
	{"how much", datatypes.FieldUsage},
	{"how often", datatypes.FieldUsage},
	{"how to take", datatypes.FieldUsage},
	{"how do i take", datatypes.FieldUsage},
	{"directions", datatypes.FieldUsage},
	{"efficacy", datatypes.FieldEfficacy},
	{"what is it for", datatypes.FieldEfficacy},
	{"what does it treat", datatypes.FieldEfficacy},
	{"good for", datatypes.FieldEfficacy},
	{"used for", datatypes.FieldEfficacy},
	{"work for", datatypes.FieldEfficacy},
	{"help with", datatypes.FieldEfficacy},
	{"precaution", datatypes.FieldPrecautions},
	{"warning", datatypes.FieldPrecautions},
	{"pregnan", datatypes.FieldPrecautions},
	{"while driving", datatypes.FieldPrecautions},
	{"with alcohol", datatypes.FieldPrecautions},
	{"safe to", datatypes.FieldPrecautions},
	{"interact", datatypes.FieldInteractions},
	{"together with", datatypes.FieldInteractions},
	{"combine with", datatypes.FieldInteractions},
	{"storage", datatypes.FieldStorage},
	{"store", datatypes.FieldStorage},
	{"refrigerat", datatypes.FieldStorage},
	{"expire", datatypes.FieldStorage},
	{"shelf life", datatypes.FieldStorage},
}

// DetectFields finds the attributes a question explicitly asks about.
// Returns nil when the question names none; the router substitutes the
// default field set in that case. Output order follows the canonical field
// order so equivalent questions produce identical retrieval fingerprints.
func DetectFields(question string) []string {
	canonical := cache.Canonicalize(question)
	hit := make(map[string]struct{})
	for _, kw := range fieldKeywords {
		if strings.Contains(canonical, kw.needle) {
			hit[kw.field] = struct{}{}
		}
	}
	if len(hit) == 0 {
		return nil
	}
	var out []string
	for _, f := range datatypes.KnownFields() {
		if _, ok := hit[f]; ok {
			out = append(out, f)
		}
	}
	return out
}
