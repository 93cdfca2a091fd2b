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
	"fmt"
	"strings"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

// promptVersion is folded into generation-cache fingerprints so cached
// outputs die with the template that produced them.
const promptVersion = "v1"

const classifyPrompt = `You route medicine questions to one retrieval plan.

Routes:
- medicine_info: attribute questions about a named medicine or ingredient
- medicine_recommendation: the user describes a symptom or condition and wants a suggestion
- recent_info: the user asks about new, recently approved, or recently covered medicines

Conversation so far:
%s

Question: %s
Known subject: %s

Reply with only a JSON object:
{"route": "...", "fields": ["efficacy"|"side_effects"|"usage"|"precautions"|"interactions"|"storage", ...], "condition": "symptom or empty", "confidence": 0.0-1.0}

Use fields the question actually asks for; use ["efficacy","side_effects","usage"] when it names none.`

const extractEntityPrompt = `Name the single medicine product or active ingredient this text is about.

Text: %s

Reply with only the name, exactly as written in the text but without dosage
or packaging suffixes. Reply NONE if no medicine is mentioned.`

const verifyClaimsPrompt = `You check claims about medicines against retrieved evidence.

Evidence:
%s

Claims:
%s

For each claim decide:
- verified: the evidence supports it
- contradicted: the evidence explicitly disagrees (wrong date, wrong number, opposite statement)
- unsupported: no evidence covers it

Reply with only a JSON array, one element per claim in the given order:
[{"index": 0, "status": "verified|contradicted|unsupported", "note": "short reason"}, ...]`

const reconcilePrompt = `Two or more sources describe the %q attribute of the same medicine and
disagree. Combine them into one text that keeps every source's unique
information and states the disagreement plainly. Do not invent content.

%s

Reply with only the combined text.`

const rewritePrompt = `A first attempt at answering the question below produced claims the
evidence did not support:
%s

Original question: %s

Rewrite the question so a second retrieval pass targets the disputed facts.
Reply with only the rewritten question.`

const translatePrompt = `Give the common English name for this medicine or ingredient.

Name: %s

Reply with only the English name. If it is already English, reply with it
unchanged.`

func renderHistory(history []datatypes.Message) string {
	if len(history) == 0 {
		return "(first turn)"
	}
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderFacts(facts []datatypes.MergedFact) string {
	if len(facts) == 0 {
		return "(no merged facts)"
	}
	var b strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s: %s", f.Field, f.Resolved)
		if f.Conflict {
			fmt.Fprintf(&b, " [sources disagreed: %s]", f.ConflictNote)
		}
		var ids []string
		for _, s := range f.Sources {
			ids = append(ids, string(s.Source))
		}
		fmt.Fprintf(&b, " (from: %s)\n", strings.Join(dedupeStrings(ids), ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderEvidence(items []datatypes.EvidenceItem) string {
	if len(items) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, it := range items {
		date := ""
		if !it.PublishedAt.IsZero() {
			date = " published " + it.PublishedAt.Format("2006-01-02")
		}
		fmt.Fprintf(&b, "[%d] (%s%s) %s\n", i, it.Source, date, it.Payload)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderClaims(claims []datatypes.Claim) string {
	var b strings.Builder
	for i, c := range claims {
		fmt.Fprintf(&b, "%d. %s\n", i, c.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderVariants(variants []Variant) string {
	var b strings.Builder
	for _, v := range variants {
		fmt.Fprintf(&b, "Source %s:\n%s\n\n", v.Source, v.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// draftPrompt builds the synthesis prompt for the route's drafting mode.
func draftPrompt(req DraftRequest) string {
	var b strings.Builder

	switch {
	case req.Simplified:
		b.WriteString("Answer the medicine question below using only the listed facts. Be brief.\n\n")
	case req.Mode == datatypes.RouteRecommend:
		b.WriteString("The user describes a symptom and wants an over-the-counter suggestion. ")
		b.WriteString("Recommend from the listed facts only, explain why, and remind them to check with a pharmacist.\n\n")
	case req.Mode == datatypes.RouteRecent:
		b.WriteString("The user asks about recent medicine news. Answer from the listed facts only, ")
		b.WriteString("cite each item's date, and say so when coverage is thin.\n\n")
	default:
		b.WriteString("Answer the medicine question from the listed facts only. ")
		b.WriteString("Attribute each fact to its source kind and do not add outside knowledge.\n\n")
	}

	if !req.Simplified && len(req.History) > 0 {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", renderHistory(req.History))
	}
	if req.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", req.Subject)
	}
	fmt.Fprintf(&b, "Question: %s\n\nFacts:\n%s\n", req.Question, renderFacts(req.Facts))
	return b.String()
}
