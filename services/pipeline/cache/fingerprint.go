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

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"regexp"
	"sort"
	"strings"
)

var (
	parentheticalRe = regexp.MustCompile(`\([^)]*\)`)
	punctuationRe   = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// fieldSep keeps adjacent inputs from colliding ("ab"+"c" vs "a"+"bc").
var fieldSep = []byte{0x1f}

// Canonicalize reduces text to the form fingerprints are computed over:
// lower-cased, parenthetical asides removed, punctuation stripped,
// whitespace collapsed. Trivially different renderings of the same question
// canonicalize identically and therefore share a cache entry.
//
// Unicode letters and digits survive, so non-Latin product names keep their
// identity.
func Canonicalize(s string) string {
	s = strings.ToLower(s)
	s = parentheticalRe.ReplaceAllString(s, " ")
	s = punctuationRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Fingerprint returns the deterministic cache key for an operation applied
// to the given inputs: lowercase hex SHA-256 over the operation kind and
// each canonicalized input.
//
// Two calls with identical canonical inputs always produce the same
// fingerprint; distinct canonical inputs collide only with cryptographic
// improbability.
func Fingerprint(op string, inputs ...string) string {
	h := sha256.New()
	io.WriteString(h, op)
	h.Write(fieldSep)
	for _, in := range inputs {
		io.WriteString(h, Canonicalize(in))
		h.Write(fieldSep)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintWithParams extends Fingerprint with an order-independent
// parameter map. Parameters are hashed as sorted key=value pairs and are
// not canonicalized; they are machine-chosen values, not user text.
func FingerprintWithParams(op string, params map[string]string, inputs ...string) string {
	h := sha256.New()
	io.WriteString(h, op)
	h.Write(fieldSep)
	for _, in := range inputs {
		io.WriteString(h, Canonicalize(in))
		h.Write(fieldSep)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		io.WriteString(h, k)
		io.WriteString(h, "=")
		io.WriteString(h, params[k])
		h.Write(fieldSep)
	}
	return hex.EncodeToString(h.Sum(nil))
}
