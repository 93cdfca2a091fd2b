// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify runs the post-draft consistency check.
//
// Verification applies only to draft content attributable to low-trust
// sources. Turns whose facts came entirely from structured high-trust
// sources skip it, and sentences that cannot be traced to a low-trust
// item, general domain knowledge and safety boilerplate included, are
// never extracted as claims in the first place.
//
// Deterministic checks decide first: a claim whose years or measurements
// disagree with retrieved evidence is contradicted, and one with strong
// token overlap is verified. Only claims left undecided go to the
// generative fallback. If that fallback errors, the verifier fails open:
// the answer is delivered with the report marked degraded rather than
// blocked behind a broken model.
package verify

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/MediQuery/services/pipeline/cache"
	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/reasoner"
)

var tracer = otel.Tracer("mediquery.pipeline.verify")

const (
	// DefaultUnsupportedThreshold is the unsupported-claim fraction above
	// which a re-query is requested.
	DefaultUnsupportedThreshold = 0.5

	// DefaultSupportOverlap is the token-overlap ratio at or above which
	// evidence counts as supporting a claim.
	DefaultSupportOverlap = 0.6

	// attributionOverlap is the minimum overlap with a low-trust item for a
	// sentence to count as a checkable claim at all.
	attributionOverlap = 0.3

	// maxCitations bounds the candidate evidence ids recorded per claim.
	maxCitations = 3
)

// Verifier checks drafted answers against retrieved evidence.
type Verifier struct {
	rsn                  reasoner.Reasoner
	unsupportedThreshold float64
	supportOverlap       float64
	logger               *slog.Logger
}

// Option configures the verifier.
type Option func(*Verifier)

// WithReasoner enables the generative pass for claims the deterministic
// checks cannot decide.
func WithReasoner(r reasoner.Reasoner) Option {
	return func(v *Verifier) { v.rsn = r }
}

// WithUnsupportedThreshold overrides the re-query threshold.
func WithUnsupportedThreshold(f float64) Option {
	return func(v *Verifier) {
		if f > 0 {
			v.unsupportedThreshold = f
		}
	}
}

// WithSupportOverlap overrides the overlap ratio treated as support.
func WithSupportOverlap(f float64) Option {
	return func(v *Verifier) {
		if f > 0 {
			v.supportOverlap = f
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// New builds a verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		unsupportedThreshold: DefaultUnsupportedThreshold,
		supportOverlap:       DefaultSupportOverlap,
		logger:               slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Check verifies a turn's draft and returns the report. It never returns
// an error: a broken generative service degrades the report instead of
// failing the turn.
func (v *Verifier) Check(ctx context.Context, turn *datatypes.Turn) datatypes.VerificationReport {
	ctx, span := tracer.Start(ctx, "Verifier.Check")
	defer span.End()

	if !turn.UsedLowTrustSources() {
		span.SetAttributes(attribute.Bool("checked", false))
		return datatypes.VerificationReport{Checked: false}
	}

	lowTrust := turn.LowTrustEvidence()
	claims := v.extractClaims(turn.Draft, lowTrust)
	report := datatypes.VerificationReport{Checked: true, Claims: claims}
	span.SetAttributes(attribute.Bool("checked", true), attribute.Int("claims", len(claims)))
	if len(claims) == 0 {
		return report
	}

	var undecided []datatypes.Claim
	for i := range report.Claims {
		v.decide(&report.Claims[i], turn.Evidence)
		if report.Claims[i].Status == datatypes.ClaimPending {
			undecided = append(undecided, report.Claims[i])
		}
	}

	if len(undecided) > 0 && v.rsn != nil {
		verdicts, err := v.rsn.VerifyClaims(ctx, undecided, lowTrust)
		if err != nil {
			v.logger.Warn("claim verification degraded, failing open", "error", err)
			report.Degraded = true
		} else {
			applyVerdicts(report.Claims, verdicts)
			// The model had its chance; what it could not support is
			// unsupported, not pending.
			for i := range report.Claims {
				if report.Claims[i].Status == datatypes.ClaimPending {
					report.Claims[i].Status = datatypes.ClaimUnsupported
				}
			}
		}
	}

	if !report.Degraded {
		report.NeedsRequery = len(report.ContradictedClaims()) > 0 ||
			report.UnsupportedFraction() > v.unsupportedThreshold
	}

	span.SetAttributes(
		attribute.Int("contradicted", len(report.ContradictedClaims())),
		attribute.Float64("unsupported_fraction", report.UnsupportedFraction()),
		attribute.Bool("needs_requery", report.NeedsRequery),
		attribute.Bool("degraded", report.Degraded),
	)
	return report
}

// decide applies the deterministic verdicts. Contradiction is checked
// before support: a claim that repeats an item's words but disagrees on a
// number is contradicted, not verified.
func (v *Verifier) decide(c *datatypes.Claim, evidence []datatypes.EvidenceItem) {
	claimCanonical := cache.Canonicalize(c.Text)
	for _, it := range evidence {
		if !sharesTopic(claimCanonical, cache.Canonicalize(it.Payload)) {
			continue
		}
		if note, ok := disagrees(c.Text, it.Payload); ok {
			c.Status = datatypes.ClaimContradicted
			c.Note = "conflicts with " + it.SourceID + ": " + note
			return
		}
	}
	for _, it := range evidence {
		if tokenOverlap(claimCanonical, cache.Canonicalize(it.Payload)) >= v.supportOverlap {
			c.Status = datatypes.ClaimVerified
			c.Note = "supported by " + it.SourceID
			return
		}
	}
	c.Status = datatypes.ClaimPending
}

// =============================================================================
// Claim extraction
// =============================================================================

// Safety boilerplate and hedged advice is not checkable content.
var generalKnowledgeMarkers = []string{
	"consult",
	"talk to your doctor",
	"doctor or pharmacist",
	"ask a pharmacist",
	"medical advice",
	"seek medical attention",
	"if symptoms persist",
	"always read the label",
	"in general",
	"generally",
	"may vary",
}

// extractClaims pulls checkable sentences out of the draft. A sentence is
// a claim only when it is attributable to a low-trust item; everything
// else in the draft came from structured sources or is general knowledge,
// and neither gets flagged.
func (v *Verifier) extractClaims(draft string, lowTrust []datatypes.EvidenceItem) []datatypes.Claim {
	if strings.TrimSpace(draft) == "" || len(lowTrust) == 0 {
		return nil
	}

	var claims []datatypes.Claim
	for _, sentence := range splitSentences(draft) {
		if len(strings.Fields(sentence)) < 4 || strings.HasSuffix(sentence, "?") {
			continue
		}
		if isGeneralKnowledge(sentence) {
			continue
		}
		canonical := cache.Canonicalize(sentence)
		var citations []string
		for _, it := range lowTrust {
			if tokenOverlap(canonical, cache.Canonicalize(it.Payload)) >= attributionOverlap {
				citations = append(citations, it.SourceID)
				if len(citations) == maxCitations {
					break
				}
			}
		}
		if len(citations) == 0 {
			continue
		}
		claims = append(claims, datatypes.Claim{
			Text:      sentence,
			Citations: citations,
			Status:    datatypes.ClaimPending,
		})
	}
	return claims
}

func isGeneralKnowledge(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, marker := range generalKnowledgeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// splitSentences breaks a draft into sentences on terminal punctuation and
// line breaks. Decimal points do not split.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	flush := func(end int) {
		s := strings.TrimSpace(string(runes[start:end]))
		s = strings.TrimLeft(s, "-*• \t")
		if s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '\n':
			flush(i)
			start = i + 1
		case '.', '!', '?':
			if runes[i] == '.' && isDecimalPoint(runes, i) {
				continue
			}
			flush(i + 1)
		}
	}
	flush(len(runes))
	return out
}

func isDecimalPoint(runes []rune, i int) bool {
	return i > 0 && i+1 < len(runes) &&
		unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1])
}

// =============================================================================
// Deterministic verdicts
// =============================================================================

// sharesTopic gates the contradiction check so that unrelated items with a
// coincidental number cannot contradict a claim.
func sharesTopic(a, b string) bool {
	return tokenOverlap(a, b) >= attributionOverlap
}

var (
	yearRe    = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
	measureRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(mg|mcg|g|ml|iu|%|hours?|days?|weeks?|times)\b`)
)

// disagrees reports a direct factual conflict between claim and evidence
// text, with a note naming the disagreeing values.
func disagrees(claim, evidence string) (string, bool) {
	cy, ey := yearsIn(claim), yearsIn(evidence)
	if disjointNonEmpty(cy, ey) {
		return "year " + firstKey(cy) + " vs " + firstKey(ey), true
	}
	cm, em := measuresIn(claim), measuresIn(evidence)
	for unit, cv := range cm {
		ev, ok := em[unit]
		if !ok {
			continue
		}
		if disjointNonEmpty(cv, ev) {
			return firstKey(cv) + unit + " vs " + firstKey(ev) + unit, true
		}
	}
	return "", false
}

func yearsIn(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, y := range yearRe.FindAllString(strings.ToLower(s), -1) {
		out[y] = struct{}{}
	}
	return out
}

func measuresIn(s string) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{})
	for _, m := range measureRe.FindAllStringSubmatch(strings.ToLower(s), -1) {
		value, unit := m[1], strings.TrimSuffix(m[2], "s")
		if _, ok := out[unit]; !ok {
			out[unit] = make(map[string]struct{})
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			value = strconv.FormatFloat(f, 'f', -1, 64)
		}
		out[unit][value] = struct{}{}
	}
	return out
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

func firstKey(m map[string]struct{}) string {
	best := ""
	for k := range m {
		if best == "" || k < best {
			best = k
		}
	}
	return best
}

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

// applyVerdicts copies final statuses from the generative pass onto the
// report's claims, matched by text. Unknown texts and non-final statuses
// are ignored.
func applyVerdicts(claims, verdicts []datatypes.Claim) {
	byText := make(map[string]datatypes.Claim, len(verdicts))
	for _, v := range verdicts {
		byText[v.Text] = v
	}
	for i := range claims {
		if claims[i].Status != datatypes.ClaimPending {
			continue
		}
		v, ok := byText[claims[i].Text]
		if !ok {
			continue
		}
		switch v.Status {
		case datatypes.ClaimVerified, datatypes.ClaimContradicted, datatypes.ClaimUnsupported:
			claims[i].Status = v.Status
			claims[i].Note = v.Note
		}
	}
}
