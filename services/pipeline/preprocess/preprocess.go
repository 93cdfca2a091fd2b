// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package preprocess turns raw user text into a structured Query.
//
// Subject detection is two-tier: the known-entity lexicon is consulted
// first and a generative extraction runs only when the lexicon misses.
// The cheap deterministic path must always be attempted before the
// expensive one; this ordering is a performance contract, not a fallback
// nicety.
package preprocess

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/reasoner"
)

var tracer = otel.Tracer("mediquery.pipeline.preprocess")

// Preprocessor runs normalization and subject detection.
type Preprocessor struct {
	lexicon *Lexicon
	rsn     reasoner.Reasoner
	logger  *slog.Logger
}

// Option configures the preprocessor.
type Option func(*Preprocessor)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Preprocessor) { p.logger = l }
}

// New builds a preprocessor. lexicon must be non-nil; rsn may be nil for
// lexicon-only operation (generative fallback disabled).
func New(lexicon *Lexicon, rsn reasoner.Reasoner, opts ...Option) *Preprocessor {
	p := &Preprocessor{
		lexicon: lexicon,
		rsn:     rsn,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run produces the Query for one turn. sess provides the rolling context
// for follow-up questions ("what about its side effects?") whose subject
// is inherited from an earlier turn.
func (p *Preprocessor) Run(ctx context.Context, raw string, sess *datatypes.Session) (datatypes.Query, error) {
	ctx, span := tracer.Start(ctx, "Preprocessor.Run")
	defer span.End()

	q := datatypes.Query{
		Raw:        raw,
		Normalized: Normalize(raw),
	}
	if sess != nil {
		q.SessionID = sess.ID
	}
	q.Fields = DetectFields(q.Normalized)

	// Tier one: deterministic lexicon lookup.
	if name, ok := p.lexicon.Match(q.Normalized); ok {
		q.Subject = name
		span.SetAttributes(
			attribute.String("subject", name),
			attribute.String("subject_tier", "lexicon"),
		)
		p.logger.Debug("subject resolved from lexicon", "subject", name)
		return q, nil
	}

	// Tier two: generative extraction.
	if p.rsn != nil {
		name, err := p.rsn.ExtractEntity(ctx, q.Normalized)
		if err != nil {
			// Extraction failure is survivable when the session already
			// carries a subject; otherwise it fails the stage.
			if sess != nil {
				if last := sess.LastSubject(); last != "" {
					q.Subject = last
					p.logger.Warn("entity extraction failed, inheriting session subject",
						"subject", last, "error", err)
					span.SetAttributes(attribute.String("subject_tier", "inherited"))
					return q, nil
				}
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return q, err
		}
		if name != "" {
			q.Subject = CleanProductName(name)
			span.SetAttributes(
				attribute.String("subject", q.Subject),
				attribute.String("subject_tier", "generative"),
			)
			return q, nil
		}
	}

	// No entity in the text: a follow-up question inherits the previous
	// subject; a first-turn symptom question legitimately has none.
	if sess != nil {
		if last := sess.LastSubject(); last != "" {
			q.Subject = last
			span.SetAttributes(attribute.String("subject_tier", "inherited"))
		}
	}
	return q, nil
}
