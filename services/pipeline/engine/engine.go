// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives one question through the turn state machine:
//
//	Preprocessing -> Routing -> Retrieving -> Merging -> Drafting ->
//	Verifying -> Delivering
//
// Verification may divert through Requerying back to Routing, at most
// once per turn. Delivering and Failed are the only terminal states, and
// almost nothing reaches Failed: empty evidence delivers an explicit
// insufficient-information answer, a blown turn deadline delivers
// whatever evidence arrived in time, and verifier trouble delivers the
// unverified draft. Only a generative synthesis failure that survives
// its simplified retry fails the turn.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/MediQuery/pkg/secure"
	"github.com/AleutianAI/MediQuery/services/pipeline/adapters"
	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/merge"
	"github.com/AleutianAI/MediQuery/services/pipeline/preprocess"
	"github.com/AleutianAI/MediQuery/services/pipeline/reasoner"
	"github.com/AleutianAI/MediQuery/services/pipeline/retrieval"
	"github.com/AleutianAI/MediQuery/services/pipeline/route"
	"github.com/AleutianAI/MediQuery/services/pipeline/session"
	"github.com/AleutianAI/MediQuery/services/pipeline/verify"
)

var tracer = otel.Tracer("mediquery.pipeline.engine")

const (
	// DefaultTurnTimeout bounds one full turn end to end.
	DefaultTurnTimeout = 90 * time.Second

	// DefaultContextWindow is how many prior turns feed routing and
	// drafting. Shared with the session manager's transcript window.
	DefaultContextWindow = session.DefaultContextWindow
)

const (
	apologyAnswer = "I'm sorry, I wasn't able to put together an answer just now. " +
		"Please try asking again, or check with a pharmacist or doctor."

	consultNote = "Please confirm with a pharmacist or doctor before acting on this."
)

// Config carries the engine's collaborators. All of them are required.
type Config struct {
	Preprocessor *preprocess.Preprocessor
	Router       *route.Router
	Coordinator  *retrieval.Coordinator
	Merger       *merge.Merger
	Verifier     *verify.Verifier
	Reasoner     reasoner.Reasoner
	Sessions     *session.Manager
}

// Engine owns the turn lifecycle. One engine serves every session;
// per-session ordering comes from the session manager's lock.
type Engine struct {
	cfg           Config
	turnTimeout   time.Duration
	contextWindow int
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithTurnTimeout overrides the per-turn deadline.
func WithTurnTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.turnTimeout = d
		}
	}
}

// WithContextWindow overrides the rolling context size.
func WithContextWindow(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.contextWindow = k
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock swaps the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New validates the wiring and builds an engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	switch {
	case cfg.Preprocessor == nil:
		return nil, errors.New("engine: preprocessor is required")
	case cfg.Router == nil:
		return nil, errors.New("engine: router is required")
	case cfg.Coordinator == nil:
		return nil, errors.New("engine: coordinator is required")
	case cfg.Merger == nil:
		return nil, errors.New("engine: merger is required")
	case cfg.Verifier == nil:
		return nil, errors.New("engine: verifier is required")
	case cfg.Reasoner == nil:
		return nil, errors.New("engine: reasoner is required")
	case cfg.Sessions == nil:
		return nil, errors.New("engine: session manager is required")
	}
	e := &Engine{
		cfg:           cfg,
		turnTimeout:   DefaultTurnTimeout,
		contextWindow: DefaultContextWindow,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Ask answers one question within a session. The returned turn is always
// terminal; the error is non-nil only when the turn could not run at all
// (for example the session store failed to load). A turn that ran but
// went wrong reports that through its Failed state, not through the
// error.
func (e *Engine) Ask(ctx context.Context, sessionID, question string) (datatypes.Turn, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return datatypes.Turn{}, errors.New("empty question")
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ctx, span := tracer.Start(ctx, "Engine.Ask")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	turn, err := e.cfg.Sessions.RunTurn(ctx, sessionID, func(sess *datatypes.Session) (datatypes.Turn, error) {
		return e.runTurn(ctx, sess, question), nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.Turn{}, err
	}
	span.SetAttributes(
		attribute.String("state", turn.State.String()),
		attribute.String("route", string(turn.Route)),
		attribute.Bool("requeried", turn.Requeried),
	)
	return turn, nil
}

// runTurn executes the state machine for one question. It always returns
// a terminal turn. The caller holds the session lock, so sess is safe to
// read throughout.
func (e *Engine) runTurn(parent context.Context, sess *datatypes.Session, question string) datatypes.Turn {
	ctx, cancel := context.WithTimeout(parent, e.turnTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "Engine.Turn")
	defer span.End()

	turn := datatypes.Turn{
		ID:        uuid.New().String(),
		State:     datatypes.StatePreprocessing,
		StartedAt: e.now().UTC(),
	}
	history := sess.Context(e.contextWindow)

	q, err := e.cfg.Preprocessor.Run(ctx, question, sess)
	turn.Query = q
	if err != nil {
		e.fail(&turn, span, "preprocessing", err)
		return turn
	}
	span.SetAttributes(attribute.String("subject", q.Subject))

	report, live := e.answerOnce(ctx, span, &turn, q, history)
	if !live {
		return turn
	}

	if report.NeedsRequery && !turn.Requeried {
		if done := e.requery(ctx, span, &turn, q, history); done {
			return turn
		}
	}

	// Either verification passed, or the single re-query already ran (or
	// could not run): deliver what we have, report attached.
	e.deliver(&turn, turn.Draft)
	return turn
}

// answerOnce runs Routing through Verifying for one query. The boolean is
// false when the turn already reached a terminal state inside, in which
// case the report is meaningless.
func (e *Engine) answerOnce(ctx context.Context, span trace.Span, turn *datatypes.Turn, q datatypes.Query, history []datatypes.Message) (datatypes.VerificationReport, bool) {
	// Routing.
	turn.State = datatypes.StateRouting
	plan, err := e.cfg.Router.Plan(ctx, q, history)
	if err != nil {
		e.fail(turn, span, "routing", err)
		return datatypes.VerificationReport{}, false
	}
	turn.Route = plan.Route

	// Retrieving. A second pass replaces the evidence set; adapter
	// statuses accumulate so the record shows both fan-outs.
	turn.State = datatypes.StateRetrieving
	res, retErr := e.cfg.Coordinator.Retrieve(ctx, plan.Sources, e.requestFor(ctx, q, plan))
	turn.Evidence = res.Items
	turn.AdapterStatus = append(turn.AdapterStatus, res.Status...)

	if len(turn.Evidence) == 0 {
		if retErr != nil {
			e.deliverPartial(turn, q)
			return datatypes.VerificationReport{}, false
		}
		e.logger.Info("no evidence for question",
			"subject", q.Subject, "route", plan.Route, "error", datatypes.NewNoEvidenceFound(q.Subject))
		e.deliver(turn, insufficientAnswer(q))
		return datatypes.VerificationReport{}, false
	}
	if retErr != nil || ctx.Err() != nil {
		e.deliverPartial(turn, q)
		return datatypes.VerificationReport{}, false
	}

	// Merging.
	turn.State = datatypes.StateMerging
	facts, err := e.cfg.Merger.Merge(ctx, turn.Evidence)
	if err != nil {
		e.deliverPartial(turn, q)
		return datatypes.VerificationReport{}, false
	}
	turn.Facts = facts

	// Drafting.
	turn.State = datatypes.StateDrafting
	draft, err := e.draftAnswer(ctx, q, turn, history)
	if err != nil {
		if ctx.Err() != nil {
			e.deliverPartial(turn, q)
			return datatypes.VerificationReport{}, false
		}
		e.fail(turn, span, "drafting", err)
		return datatypes.VerificationReport{}, false
	}
	turn.Draft = draft

	// Verifying.
	turn.State = datatypes.StateVerifying
	report := e.cfg.Verifier.Check(ctx, turn)
	turn.Verification = report
	return report, true
}

// draftAnswer synthesizes the answer, retrying exactly once with the
// simplified prompt when the first attempt fails.
func (e *Engine) draftAnswer(ctx context.Context, q datatypes.Query, turn *datatypes.Turn, history []datatypes.Message) (string, error) {
	req := reasoner.DraftRequest{
		Question: q.Raw,
		Subject:  q.Subject,
		Mode:     turn.Route,
		Facts:    turn.Facts,
		History:  history,
	}
	draft, err := e.cfg.Reasoner.Draft(ctx, req)
	if err == nil {
		return draft, nil
	}
	if ctx.Err() != nil {
		return "", err
	}
	e.logger.Warn("draft failed, retrying with simplified prompt", "error", err)
	req.Simplified = true
	draft, retryErr := e.cfg.Reasoner.Draft(ctx, req)
	if retryErr != nil {
		return "", datatypes.NewGenerativeError("drafting", retryErr)
	}
	return draft, nil
}

// requery runs the single bounded second pass. It returns true when the
// turn reached a terminal state inside; false means the caller should
// deliver the current draft, whichever pass produced it.
func (e *Engine) requery(ctx context.Context, span trace.Span, turn *datatypes.Turn, q datatypes.Query, history []datatypes.Message) bool {
	turn.State = datatypes.StateRequerying
	turn.Requeried = true
	span.AddEvent("requery")
	e.logger.Info("verification flagged the draft, re-querying",
		"contradicted", len(turn.Verification.ContradictedClaims()),
		"unsupported_fraction", turn.Verification.UnsupportedFraction())

	rewritten, err := e.cfg.Reasoner.RewriteQuery(ctx, q.Raw, turn.Verification)
	if err != nil || strings.TrimSpace(rewritten) == "" {
		// Without a rewrite the flagged draft is still the best answer
		// available; deliver it rather than dropping the turn.
		e.logger.Warn("query rewrite failed, delivering flagged draft", "error", err)
		return false
	}

	second := q
	second.Normalized = preprocess.Normalize(rewritten)
	_, live := e.answerOnce(ctx, span, turn, second, history)
	return !live
}

// requestFor shapes the retrieval request. Chemical sources index English
// ingredient names, so the subject is translated when that adapter is in
// the plan; translation trouble just leaves the original name.
func (e *Engine) requestFor(ctx context.Context, q datatypes.Query, plan route.Plan) adapters.Request {
	req := adapters.Request{
		Subject:   q.Subject,
		Fields:    plan.Fields,
		Condition: plan.Condition,
		Question:  q.Normalized,
	}
	if q.Subject == "" {
		return req
	}
	for _, kind := range plan.Sources {
		if kind != datatypes.SourceChemical {
			continue
		}
		name, err := e.cfg.Reasoner.TranslateName(ctx, q.Subject)
		if err != nil {
			e.logger.Debug("name translation failed", "subject", q.Subject, "error", err)
		} else {
			req.EnglishSubject = name
		}
		break
	}
	return req
}

// deliver finalizes the turn with the given text, passing it through
// locked memory for the integrity hash.
func (e *Engine) deliver(turn *datatypes.Turn, text string) {
	turn.State = datatypes.StateDelivering
	turn.Answer, turn.AnswerHash = e.seal(text)
	turn.CompletedAt = e.now().UTC()
}

// fail marks the turn Failed with the apology answer. Timestamps and the
// hash are stamped the same way as a delivery, so failed turns read
// cleanly out of the transcript.
func (e *Engine) fail(turn *datatypes.Turn, span trace.Span, stage string, err error) {
	classified := err
	if !errors.Is(err, datatypes.ErrGenerativeService) {
		classified = datatypes.NewGenerativeError(stage, err)
	}
	span.RecordError(classified)
	span.SetStatus(codes.Error, classified.Error())
	e.logger.Error("turn failed", "stage", stage, "error", classified)

	turn.State = datatypes.StateFailed
	turn.Answer, turn.AnswerHash = e.seal(apologyAnswer)
	turn.CompletedAt = e.now().UTC()
}

// deliverPartial answers from whatever arrived before the turn deadline.
// The generative service is out of reach once the context is gone, so the
// text is composed deterministically.
func (e *Engine) deliverPartial(turn *datatypes.Turn, q datatypes.Query) {
	e.logger.Warn("turn deadline expired, answering from partial evidence",
		"turn_id", turn.ID, "facts", len(turn.Facts), "evidence", len(turn.Evidence))
	e.deliver(turn, composePartial(q, turn))
}

// seal runs the final text through the locked-memory accumulator,
// yielding the delivered answer and its hex SHA-256. When mlock is not
// available the hash is computed directly; the answer goes out either
// way.
func (e *Engine) seal(text string) (string, string) {
	acc, err := secure.NewAccumulator()
	if err != nil {
		e.logger.Warn("locked memory unavailable for answer", "error", err)
		return text, hashOf(text)
	}
	defer acc.Destroy()
	if err := acc.Write(text); err != nil {
		return text, hashOf(text)
	}
	out, sum, err := acc.Finalize()
	if err != nil {
		return text, hashOf(text)
	}
	return out, sum
}

func hashOf(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// insufficientAnswer is the explicit empty-evidence reply. Reaching it is
// a normal outcome, not an error.
func insufficientAnswer(q datatypes.Query) string {
	subject := q.Subject
	if subject == "" {
		subject = "that"
	}
	return fmt.Sprintf("I couldn't find enough reliable information about %s to answer your question. %s",
		subject, consultNote)
}

// composePartial renders merged facts, or raw evidence when merging never
// ran, into a readable best-effort answer.
func composePartial(q datatypes.Query, turn *datatypes.Turn) string {
	var b strings.Builder
	subject := q.Subject
	if subject == "" {
		subject = "your question"
	}

	switch {
	case len(turn.Facts) > 0:
		fmt.Fprintf(&b, "I ran out of time before finishing, but here is what I confirmed about %s so far:\n", subject)
		for _, f := range turn.Facts {
			fmt.Fprintf(&b, "- %s: %s\n", f.Field, clipText(f.Resolved, 300))
		}
	case len(turn.Evidence) > 0:
		fmt.Fprintf(&b, "I ran out of time before finishing, but these sources had something on %s:\n", subject)
		shown := 0
		for _, it := range bestFirst(turn.Evidence) {
			if shown == 3 {
				break
			}
			payload := strings.TrimSpace(it.Payload)
			if payload == "" {
				continue
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", it.Field, it.Source, clipText(payload, 200))
			shown++
		}
	default:
		return insufficientAnswer(q)
	}
	b.WriteString(consultNote)
	return b.String()
}

// bestFirst orders evidence by trust so the partial answer leads with the
// most reliable material. The input is not modified.
func bestFirst(items []datatypes.EvidenceItem) []datatypes.EvidenceItem {
	out := make([]datatypes.EvidenceItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Trust.Weight() > out[j].Trust.Weight()
	})
	return out
}

func clipText(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
