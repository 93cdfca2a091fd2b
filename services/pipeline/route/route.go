// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package route turns a Query into a retrieval Plan.
//
// Routing is two-tier like preprocessing: deterministic pattern rules run
// first and the generative classifier runs only when the rules are not
// confident. When both tiers run, the higher-confidence result wins.
package route

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/MediQuery/services/pipeline/cache"
	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/reasoner"
)

var tracer = otel.Tracer("mediquery.pipeline.route")

// RuleConfidenceThreshold is the rule-tier confidence at or above which the
// generative classifier is skipped entirely.
const RuleConfidenceThreshold = 0.8

// Plan is the routing outcome: which adapters to invoke, for which fields,
// and how to draft the answer.
type Plan struct {
	// Route selects the drafting mode.
	Route datatypes.RouteKind `json:"route"`

	// Fields are the attributes retrieval targets.
	Fields []string `json:"fields"`

	// Condition is the ailment for recommendation routes.
	Condition string `json:"condition,omitempty"`

	// Sources are the adapter kinds the coordinator fans out to.
	Sources []datatypes.SourceKind `json:"sources"`

	// Confidence is the winning tier's confidence.
	Confidence float64 `json:"confidence"`

	// Origin records which tier decided: "rules" or "classifier".
	Origin string `json:"origin"`
}

// Router chooses retrieval plans.
type Router struct {
	rsn    reasoner.Reasoner
	logger *slog.Logger
}

// Option configures the router.
type Option func(*Router)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New builds a router. rsn may be nil for rules-only operation.
func New(rsn reasoner.Reasoner, opts ...Option) *Router {
	r := &Router{rsn: rsn, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// =============================================================================
// Rule tier
// =============================================================================

var recencyNeedles = []string{
	"recently approved", "newly approved", "latest news", "in the news",
	"recent", "recently", "newest", "latest", "this year", "this month",
	"just came out", "new medicine", "new drug",
}

var recommendNeedles = []string{
	"recommend", "suggest", "what should i take", "what can i take",
	"what helps", "what works for", "something for", "anything for",
	"best medicine for", "best otc",
}

// conditionRe pulls the ailment out of common recommendation phrasings.
var conditionRe = regexp.MustCompile(
	`(?:something for|anything for|medicine for|what helps with|what works for|take for|recommend for)\s+(?:my |a |an |the )?([\p{L} ]{3,40})$`)

type ruleResult struct {
	route      datatypes.RouteKind
	condition  string
	confidence float64
	needle     string
}

// applyRules is the deterministic routing tier. Recency phrasing beats
// recommendation phrasing: "any new allergy medicines you'd recommend" is a
// recent-info question.
func applyRules(q datatypes.Query) (ruleResult, bool) {
	canonical := cache.Canonicalize(q.Normalized)

	for _, needle := range recencyNeedles {
		if strings.Contains(canonical, needle) {
			conf := 0.75
			if strings.Contains(needle, " ") {
				conf = 0.9
			}
			return ruleResult{route: datatypes.RouteRecent, confidence: conf, needle: needle}, true
		}
	}

	for _, needle := range recommendNeedles {
		if strings.Contains(canonical, needle) {
			res := ruleResult{route: datatypes.RouteRecommend, confidence: 0.85, needle: needle}
			if m := conditionRe.FindStringSubmatch(canonical); m != nil {
				res.condition = strings.TrimSpace(m[1])
			}
			return res, true
		}
	}

	// A known subject plus explicitly requested attributes is an
	// unambiguous info question.
	if q.Subject != "" && len(q.Fields) > 0 {
		return ruleResult{route: datatypes.RouteInfo, confidence: 0.9, needle: "subject+fields"}, true
	}
	if q.Subject != "" {
		return ruleResult{route: datatypes.RouteInfo, confidence: 0.7, needle: "subject"}, true
	}
	return ruleResult{}, false
}

// =============================================================================
// Plan assembly
// =============================================================================

// SourcesFor maps a route to the adapter kinds its plan invokes.
func SourcesFor(route datatypes.RouteKind) []datatypes.SourceKind {
	switch route {
	case datatypes.RouteRecent:
		return []datatypes.SourceKind{datatypes.SourceWeb, datatypes.SourceNews, datatypes.SourceVideo}
	case datatypes.RouteRecommend:
		return []datatypes.SourceKind{datatypes.SourceVector, datatypes.SourceTabular}
	default:
		return []datatypes.SourceKind{datatypes.SourceTabular, datatypes.SourceChemical, datatypes.SourceVector}
	}
}

// fieldsFor resolves the final field list: explicit question fields win,
// then classifier fields, then the defaults. Recent-info plans always carry
// the recency field.
func fieldsFor(route datatypes.RouteKind, queryFields, decisionFields []string) []string {
	fields := queryFields
	if len(fields) == 0 {
		fields = decisionFields
	}
	if len(fields) == 0 {
		fields = datatypes.DefaultFields()
	}
	if route == datatypes.RouteRecent {
		for _, f := range fields {
			if f == datatypes.FieldRecentInfo {
				return fields
			}
		}
		fields = append(append([]string(nil), fields...), datatypes.FieldRecentInfo)
	}
	return fields
}

// Plan routes one query. history feeds the classifier so follow-up
// questions classify in context.
func (r *Router) Plan(ctx context.Context, q datatypes.Query, history []datatypes.Message) (Plan, error) {
	ctx, span := tracer.Start(ctx, "Router.Plan")
	defer span.End()

	rule, ruleOK := applyRules(q)
	if ruleOK && rule.confidence >= RuleConfidenceThreshold {
		plan := r.assemble(rule.route, q, rule.condition, nil, rule.confidence, "rules")
		span.SetAttributes(
			attribute.String("route", string(plan.Route)),
			attribute.String("origin", plan.Origin),
			attribute.String("rule", rule.needle),
		)
		return plan, nil
	}

	if r.rsn == nil {
		if ruleOK {
			return r.assemble(rule.route, q, rule.condition, nil, rule.confidence, "rules"), nil
		}
		return r.assemble(datatypes.RouteInfo, q, "", nil, 0.3, "rules"), nil
	}

	decision, err := r.rsn.ClassifyIntent(ctx, reasoner.IntentRequest{
		Question: q.Normalized,
		Subject:  q.Subject,
		History:  history,
	})
	if err != nil {
		if ruleOK {
			// Degraded: the rule tier produced something usable.
			r.logger.Warn("intent classifier failed, routing on rules alone",
				"route", rule.route, "error", err)
			span.RecordError(err)
			return r.assemble(rule.route, q, rule.condition, nil, rule.confidence, "rules"), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Plan{}, err
	}

	// Highest confidence wins when both tiers ran.
	if ruleOK && rule.confidence >= decision.Confidence {
		plan := r.assemble(rule.route, q, rule.condition, decision.Fields, rule.confidence, "rules")
		span.SetAttributes(attribute.String("route", string(plan.Route)), attribute.String("origin", "rules"))
		return plan, nil
	}

	condition := decision.Condition
	if condition == "" {
		condition = rule.condition
	}
	plan := r.assemble(decision.Route, q, condition, decision.Fields, decision.Confidence, "classifier")
	span.SetAttributes(attribute.String("route", string(plan.Route)), attribute.String("origin", "classifier"))
	return plan, nil
}

func (r *Router) assemble(route datatypes.RouteKind, q datatypes.Query, condition string, decisionFields []string, confidence float64, origin string) Plan {
	if !route.Valid() {
		route = datatypes.RouteInfo
	}
	return Plan{
		Route:      route,
		Fields:     fieldsFor(route, q.Fields, decisionFields),
		Condition:  condition,
		Sources:    SourcesFor(route),
		Confidence: confidence,
		Origin:     origin,
	}
}
