// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package merge folds concurrent, unordered evidence into one MergedFact
// per field.
//
// Retrieval is unordered, so the fold must be order-independent: items are
// first put into a canonical total order (trust desc, recency desc, payload
// length desc, payload text), then combined pairwise. Any permutation of
// the same evidence set sorts identically and therefore merges
// identically.
//
// Within a field, redundant payloads collapse, non-overlapping payloads
// concatenate with nothing truncated, and direct contradictions keep the
// higher-trust payload with the conflict recorded for the verifier.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/MediQuery/services/pipeline/cache"
	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/reasoner"
)

var tracer = otel.Tracer("mediquery.pipeline.merge")

// RedundancyThreshold is the token-overlap ratio at or above which two
// payloads count as the same statement.
const RedundancyThreshold = 0.8

// DefaultWorkers bounds concurrent per-field merges.
const DefaultWorkers = 3

// Merger combines evidence.
type Merger struct {
	rsn     reasoner.Reasoner
	workers int
	logger  *slog.Logger
}

// Option configures the merger.
type Option func(*Merger)

// WithReasoner enables the generative reconciliation fallback for
// contradictory prose. Without it the higher-trust payload simply wins.
func WithReasoner(r reasoner.Reasoner) Option {
	return func(m *Merger) { m.rsn = r }
}

// WithWorkers overrides the per-field fan-out bound.
func WithWorkers(n int) Option {
	return func(m *Merger) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Merger) { m.logger = l }
}

// New builds a merger.
func New(opts ...Option) *Merger {
	m := &Merger{workers: DefaultWorkers, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Merge groups items by field and folds each group. Fields come back in
// sorted order; the input order of items never matters.
func (m *Merger) Merge(ctx context.Context, items []datatypes.EvidenceItem) ([]datatypes.MergedFact, error) {
	ctx, span := tracer.Start(ctx, "Merger.Merge")
	defer span.End()
	span.SetAttributes(attribute.Int("evidence", len(items)))

	groups := make(map[string][]datatypes.EvidenceItem)
	for _, it := range items {
		if it.Field == "" {
			continue
		}
		groups[it.Field] = append(groups[it.Field], it)
	}

	fields := make([]string, 0, len(groups))
	for f := range groups {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	facts := make([]datatypes.MergedFact, len(fields))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for i, field := range fields {
		g.Go(func() error {
			facts[i] = m.mergeField(gctx, field, groups[field])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Fields whose every payload was a bare link or the no-information
	// sentinel produce nothing.
	out := facts[:0]
	for _, f := range facts {
		if f.Resolved != "" {
			out = append(out, f)
		}
	}
	span.SetAttributes(attribute.Int("facts", len(out)))
	return out, nil
}

// mergeField folds one field's evidence.
func (m *Merger) mergeField(ctx context.Context, field string, items []datatypes.EvidenceItem) datatypes.MergedFact {
	kept := make([]datatypes.EvidenceItem, 0, len(items))
	for _, it := range items {
		payload := strings.TrimSpace(it.Payload)
		if payload == "" || isBareLink(payload) || isNoInformation(payload) {
			continue
		}
		it.Payload = payload
		kept = append(kept, it)
	}
	if len(kept) == 0 {
		return datatypes.MergedFact{Field: field}
	}

	canonicalOrder(kept)

	if len(kept) == 1 {
		return datatypes.MergedFact{
			Field:      field,
			Resolved:   kept[0].Payload,
			Confidence: kept[0].Trust.Weight(),
			Sources:    kept,
		}
	}

	fact := datatypes.MergedFact{
		Field:      field,
		Resolved:   kept[0].Payload,
		Confidence: kept[0].Trust.Weight(),
		Sources:    []datatypes.EvidenceItem{kept[0]},
	}
	agreeing := 0
	for _, next := range kept[1:] {
		fact.Sources = append(fact.Sources, next)
		switch classify(fact.Resolved, next.Payload) {
		case relationRedundant:
			agreeing++
		case relationContradicts:
			fact.Conflict = true
			note := fmt.Sprintf("%s: %q vs %s: %q",
				fact.Sources[0].Source, clip(fact.Resolved, 80), next.Source, clip(next.Payload, 80))
			if fact.ConflictNote == "" {
				fact.ConflictNote = note
			} else {
				fact.ConflictNote += "; " + note
			}
			// Higher trust already leads, so the resolved text stands
			// unless a reconciler can do better with prose.
			if m.rsn != nil {
				if resolved, ok := m.reconcile(ctx, field, fact.Resolved, next); ok {
					fact.Resolved = resolved
				}
			}
		default:
			// Non-overlapping content concatenates; nothing is dropped.
			fact.Resolved = joinPayloads(fact.Resolved, next.Payload)
			agreeing++
		}
	}

	fact.Confidence = combinedConfidence(kept[0].Trust.Weight(), agreeing, fact.Conflict)
	return fact
}

// reconcile asks the generative reconciler to combine contradictory prose.
// Numeric contradictions stay deterministic: the higher-trust value wins
// outright.
func (m *Merger) reconcile(ctx context.Context, field, base string, next datatypes.EvidenceItem) (string, bool) {
	if numericContradiction(base, next.Payload) {
		return "", false
	}
	variants := []reasoner.Variant{
		{Source: "higher-trust", Text: base},
		{Source: string(next.Source), Text: next.Payload},
	}
	resolved, err := m.rsn.Reconcile(ctx, field, variants)
	if err != nil || strings.TrimSpace(resolved) == "" {
		m.logger.Warn("reconciliation fell back to higher-trust payload",
			"field", field, "error", err)
		return "", false
	}
	return strings.TrimSpace(resolved), true
}

// =============================================================================
// Canonical order
// =============================================================================

// canonicalOrder sorts trust desc, recency desc, payload length desc, then
// payload text. Every permutation of a set sorts the same way, which is
// what makes the fold commutative.
func canonicalOrder(items []datatypes.EvidenceItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Trust != b.Trust {
			return a.Trust > b.Trust
		}
		at, bt := recencyOf(a), recencyOf(b)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		if len(a.Payload) != len(b.Payload) {
			return len(a.Payload) > len(b.Payload)
		}
		return a.Payload < b.Payload
	})
}

func recencyOf(it datatypes.EvidenceItem) time.Time {
	if !it.PublishedAt.IsZero() {
		return it.PublishedAt
	}
	return it.RetrievedAt
}

// =============================================================================
// Payload relations
// =============================================================================

type relation int

const (
	relationDistinct relation = iota
	relationRedundant
	relationContradicts
)

// classify decides how two payloads for the same field relate.
func classify(base, next string) relation {
	if contradicts(base, next) {
		return relationContradicts
	}
	if redundant(base, next) {
		return relationRedundant
	}
	return relationDistinct
}

// redundant is true when one payload adds nothing over the other.
func redundant(a, b string) bool {
	ca, cb := cache.Canonicalize(a), cache.Canonicalize(b)
	if ca == cb || strings.Contains(ca, cb) || strings.Contains(cb, ca) {
		return true
	}
	return tokenOverlap(ca, cb) >= RedundancyThreshold
}

// tokenOverlap is |A∩B| over the smaller set's size.
func tokenOverlap(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	small, large := ta, tb
	if len(tb) < len(ta) {
		small, large = tb, ta
	}
	shared := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

func tokenSet(canonical string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(canonical) {
		out[tok] = struct{}{}
	}
	return out
}

var (
	yearRe    = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
	measureRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(mg|mcg|g|ml|iu|%|hours?|days?|weeks?|times)\b`)
)

// contradicts detects direct factual disagreement deterministically:
// disjoint year mentions, or disjoint values for a shared measurement
// unit.
func contradicts(a, b string) bool {
	if disjointNonEmpty(yearsIn(a), yearsIn(b)) {
		return true
	}
	return numericContradiction(a, b)
}

func yearsIn(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, y := range yearRe.FindAllString(strings.ToLower(s), -1) {
		out[y] = struct{}{}
	}
	return out
}

// numericContradiction compares measurements that share a unit.
func numericContradiction(a, b string) bool {
	ma, mb := measuresIn(a), measuresIn(b)
	for unit, va := range ma {
		vb, ok := mb[unit]
		if !ok {
			continue
		}
		if disjointNonEmpty(va, vb) {
			return true
		}
	}
	return false
}

func measuresIn(s string) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{})
	for _, m := range measureRe.FindAllStringSubmatch(strings.ToLower(s), -1) {
		value, unit := m[1], normalizeUnit(m[2])
		if _, ok := out[unit]; !ok {
			out[unit] = make(map[string]struct{})
		}
		// "4.0" and "4" are the same measurement.
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			value = strconv.FormatFloat(f, 'f', -1, 64)
		}
		out[unit][value] = struct{}{}
	}
	return out
}

func normalizeUnit(u string) string {
	return strings.TrimSuffix(u, "s")
}

func disjointNonEmpty[K comparable](a, b map[K]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return false
		}
	}
	return true
}

// =============================================================================
// Assembly helpers
// =============================================================================

// joinPayloads concatenates with sentence punctuation so nothing reads as
// one run-on claim.
func joinPayloads(base, next string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return next
	}
	if !strings.HasSuffix(base, ".") && !strings.HasSuffix(base, "!") && !strings.HasSuffix(base, "?") {
		base += "."
	}
	return base + " " + next
}

// combinedConfidence starts at the leading item's trust weight, gains a
// little for each agreeing source, and loses ground on conflict.
func combinedConfidence(lead float64, agreeing int, conflict bool) float64 {
	c := lead + 0.03*float64(agreeing)
	if conflict {
		c = lead * 0.85
	}
	if c > 0.98 {
		c = 0.98
	}
	return c
}

func isBareLink(payload string) bool {
	return bareLinkRe.MatchString(payload)
}

var bareLinkRe = regexp.MustCompile(`^https?://\S+$`)

func isNoInformation(payload string) bool {
	return strings.EqualFold(strings.TrimSpace(payload), datatypes.NoInformation)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
