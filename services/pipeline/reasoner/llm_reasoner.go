// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/MediQuery/services/llm"
	"github.com/AleutianAI/MediQuery/services/pipeline/cache"
	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/resilience"
)

var reasonerTracer = otel.Tracer("mediquery.pipeline.reasoner")

// Per-operation sampling temperatures. Everything except drafting stays at
// or under cache.MaxCacheableVariability so outputs are reproducible and
// cacheable.
const (
	classifyTemp  float32 = 0.0
	extractTemp   float32 = 0.0
	verifyTemp    float32 = 0.0
	reconcileTemp float32 = 0.1
	rewriteTemp   float32 = 0.1
	translateTemp float32 = 0.0
	draftTemp     float32 = 0.7
)

// LLMReasoner implements Reasoner over two LLM backends: a fast model for
// the short deterministic operations and a strong model for drafting.
type LLMReasoner struct {
	fast   llm.LLMClient
	strong llm.LLMClient
	cache  *cache.Cache
	retry  resilience.Policy
	logger *slog.Logger
}

var _ Reasoner = (*LLMReasoner)(nil)

// Option configures the reasoner.
type Option func(*LLMReasoner)

// WithCache enables the generation cache for low-variability operations.
func WithCache(c *cache.Cache) Option {
	return func(r *LLMReasoner) { r.cache = c }
}

// WithRetryPolicy overrides the generative retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(r *LLMReasoner) { r.retry = p }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *LLMReasoner) { r.logger = l }
}

// New builds a reasoner. strong may equal fast when one backend serves
// both roles.
func New(fast, strong llm.LLMClient, opts ...Option) *LLMReasoner {
	r := &LLMReasoner{
		fast:   fast,
		strong: strong,
		retry:  resilience.GenerativePolicy(),
		logger: slog.Default(),
	}
	if r.strong == nil {
		r.strong = r.fast
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// generate runs one retried call against a backend, classifying failures
// into the generative error class.
func (r *LLMReasoner) generate(ctx context.Context, op string, client llm.LLMClient, prompt string, temp float32, maxTokens int) (string, error) {
	var out string
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var genErr error
		out, genErr = client.Generate(ctx, prompt, llm.GenerationParams{
			Temperature: llm.Float32Ptr(temp),
			MaxTokens:   llm.IntPtr(maxTokens),
		})
		return genErr
	})
	if err != nil {
		return "", datatypes.NewGenerativeError(op, err)
	}
	return strings.TrimSpace(out), nil
}

// cachedGenerate wraps generate with the generation cache when the
// temperature is inside the cacheable band. inputs identify the call for
// fingerprinting; the prompt template version rides along so cached outputs
// die with their template.
func (r *LLMReasoner) cachedGenerate(ctx context.Context, op string, client llm.LLMClient, prompt string, temp float32, maxTokens int, inputs ...string) (string, error) {
	if r.cache == nil || float64(temp) > cache.MaxCacheableVariability {
		return r.generate(ctx, op, client, prompt, temp, maxTokens)
	}

	fp := cache.FingerprintWithParams("generate:"+op, map[string]string{
		"v":    promptVersion,
		"temp": strconv.FormatFloat(float64(temp), 'f', 2, 32),
	}, inputs...)

	payload, fromCache, err := r.cache.GetOrCompute(ctx, fp, cache.TTLGeneration, func(ctx context.Context) ([]byte, error) {
		out, err := r.generate(ctx, op, client, prompt, temp, maxTokens)
		if err != nil {
			return nil, err
		}
		return []byte(out), nil
	})
	if err != nil {
		return "", err
	}
	if fromCache {
		r.logger.Debug("generation cache hit", "op", op)
	}
	return string(payload), nil
}

// =============================================================================
// Operations
// =============================================================================

// ClassifyIntent implements Reasoner.
func (r *LLMReasoner) ClassifyIntent(ctx context.Context, req IntentRequest) (IntentDecision, error) {
	ctx, span := reasonerTracer.Start(ctx, "Reasoner.ClassifyIntent")
	defer span.End()

	history := renderHistory(req.History)
	prompt := fmt.Sprintf(classifyPrompt, history, req.Question, orUnknown(req.Subject))

	out, err := r.cachedGenerate(ctx, "classify_intent", r.fast, prompt, classifyTemp, 256,
		req.Question, req.Subject, history)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return IntentDecision{}, err
	}

	var decision IntentDecision
	if jsonErr := json.Unmarshal([]byte(extractJSON(out)), &decision); jsonErr != nil {
		// Unparseable output falls back to the default plan rather than
		// failing the turn.
		r.logger.Warn("intent classification unparseable, using defaults",
			"output", truncate(out, 120), "error", jsonErr)
		return IntentDecision{
			Route:      datatypes.RouteInfo,
			Fields:     datatypes.DefaultFields(),
			Confidence: 0.3,
		}, nil
	}

	decision.Fields = normalizeFields(decision.Fields)
	if !decision.Route.Valid() {
		decision.Route = datatypes.RouteInfo
	}
	if decision.Confidence < 0 {
		decision.Confidence = 0
	}
	if decision.Confidence > 1 {
		decision.Confidence = 1
	}
	span.SetAttributes(
		attribute.String("route", string(decision.Route)),
		attribute.Float64("confidence", decision.Confidence),
	)
	return decision, nil
}

// ExtractEntity implements Reasoner.
func (r *LLMReasoner) ExtractEntity(ctx context.Context, text string) (string, error) {
	ctx, span := reasonerTracer.Start(ctx, "Reasoner.ExtractEntity")
	defer span.End()

	prompt := fmt.Sprintf(extractEntityPrompt, text)
	out, err := r.cachedGenerate(ctx, "extract_entity", r.fast, prompt, extractTemp, 64, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	out = strings.Trim(out, `"'`+" \n")
	if strings.EqualFold(out, "NONE") || out == "" {
		return "", nil
	}
	// A name should be short; long output means the model rambled.
	if len(out) > 120 {
		return "", nil
	}
	return out, nil
}

// Draft implements Reasoner. Never cached.
func (r *LLMReasoner) Draft(ctx context.Context, req DraftRequest) (string, error) {
	ctx, span := reasonerTracer.Start(ctx, "Reasoner.Draft")
	defer span.End()
	span.SetAttributes(
		attribute.String("mode", string(req.Mode)),
		attribute.Bool("simplified", req.Simplified),
		attribute.Int("facts", len(req.Facts)),
	)

	out, err := r.generate(ctx, "draft", r.strong, draftPrompt(req), draftTemp, 1024)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return out, nil
}

// verdict is one element of the verification response array.
type verdict struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Note   string `json:"note"`
}

// VerifyClaims implements Reasoner.
func (r *LLMReasoner) VerifyClaims(ctx context.Context, claims []datatypes.Claim, evidence []datatypes.EvidenceItem) ([]datatypes.Claim, error) {
	ctx, span := reasonerTracer.Start(ctx, "Reasoner.VerifyClaims")
	defer span.End()
	span.SetAttributes(attribute.Int("claims", len(claims)))

	if len(claims) == 0 {
		return nil, nil
	}

	claimsText := renderClaims(claims)
	evidenceText := renderEvidence(evidence)
	prompt := fmt.Sprintf(verifyClaimsPrompt, evidenceText, claimsText)

	out, err := r.cachedGenerate(ctx, "verify_claims", r.fast, prompt, verifyTemp, 512,
		claimsText, evidenceText)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var verdicts []verdict
	if jsonErr := json.Unmarshal([]byte(extractJSON(out)), &verdicts); jsonErr != nil {
		return nil, datatypes.NewGenerativeError("verify_claims",
			fmt.Errorf("unparseable verdicts %q: %w", truncate(out, 120), jsonErr))
	}

	result := make([]datatypes.Claim, len(claims))
	copy(result, claims)
	for _, v := range verdicts {
		if v.Index < 0 || v.Index >= len(result) {
			continue
		}
		switch datatypes.ClaimStatus(v.Status) {
		case datatypes.ClaimVerified, datatypes.ClaimContradicted, datatypes.ClaimUnsupported:
			result[v.Index].Status = datatypes.ClaimStatus(v.Status)
			result[v.Index].Note = v.Note
		}
	}
	return result, nil
}

// Reconcile implements Reasoner.
func (r *LLMReasoner) Reconcile(ctx context.Context, field string, variants []Variant) (string, error) {
	ctx, span := reasonerTracer.Start(ctx, "Reasoner.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("field", field), attribute.Int("variants", len(variants)))

	rendered := renderVariants(variants)
	prompt := fmt.Sprintf(reconcilePrompt, field, rendered)
	return r.cachedGenerate(ctx, "reconcile", r.fast, prompt, reconcileTemp, 512, field, rendered)
}

// RewriteQuery implements Reasoner.
func (r *LLMReasoner) RewriteQuery(ctx context.Context, original string, report datatypes.VerificationReport) (string, error) {
	ctx, span := reasonerTracer.Start(ctx, "Reasoner.RewriteQuery")
	defer span.End()

	var disputed []string
	for _, c := range report.Claims {
		if c.Status == datatypes.ClaimContradicted || c.Status == datatypes.ClaimUnsupported {
			disputed = append(disputed, fmt.Sprintf("- %s (%s: %s)", c.Text, c.Status, c.Note))
		}
	}
	disputedText := strings.Join(disputed, "\n")
	if disputedText == "" {
		disputedText = "(none recorded)"
	}

	prompt := fmt.Sprintf(rewritePrompt, disputedText, original)
	out, err := r.cachedGenerate(ctx, "rewrite_query", r.fast, prompt, rewriteTemp, 128,
		original, disputedText)
	if err != nil {
		return "", err
	}
	out = strings.Trim(out, `"'`+" \n")
	if out == "" {
		return original, nil
	}
	return out, nil
}

// TranslateName implements Reasoner.
func (r *LLMReasoner) TranslateName(ctx context.Context, name string) (string, error) {
	ctx, span := reasonerTracer.Start(ctx, "Reasoner.TranslateName")
	defer span.End()

	prompt := fmt.Sprintf(translatePrompt, name)
	out, err := r.cachedGenerate(ctx, "translate_name", r.fast, prompt, translateTemp, 32, name)
	if err != nil {
		return "", err
	}
	out = strings.Trim(out, `"'`+" \n")
	if out == "" {
		return name, nil
	}
	return out, nil
}

// =============================================================================
// Helpers
// =============================================================================

// extractJSON strips code fences and surrounding prose, returning the first
// JSON object or array in the text.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	objStart := strings.IndexByte(s, '{')
	arrStart := strings.IndexByte(s, '[')
	start := objStart
	end := strings.LastIndexByte(s, '}')
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		start = arrStart
		end = strings.LastIndexByte(s, ']')
	}
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// normalizeFields keeps only known canonical fields, preserving order, and
// substitutes the default set when nothing survives.
func normalizeFields(fields []string) []string {
	known := make(map[string]struct{}, len(datatypes.KnownFields()))
	for _, f := range datatypes.KnownFields() {
		known[f] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{})
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if _, ok := known[f]; !ok {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	if len(out) == 0 {
		return datatypes.DefaultFields()
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
