// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

var tracer = otel.Tracer("mediquery.pipeline.session")

const (
	// DefaultContextWindow is how many recent turns feed classification
	// and drafting.
	DefaultContextWindow = 4

	// DefaultIdleTTL is how long an untouched session stays in memory.
	DefaultIdleTTL = 30 * time.Minute
)

// Manager is the hot tier: live sessions in memory, one mutex per
// session so turns within a conversation run strictly one at a time,
// and write-through of every finalized turn to the Store.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Different sessions proceed in
// parallel; calls against the same session serialize.
type Manager struct {
	store         Store
	contextWindow int
	idleTTL       time.Duration
	logger        *slog.Logger
	now           func() time.Time
	onEvict       EvictFunc
	onDelete      DeleteFunc

	mu  sync.Mutex
	hot map[string]*sessionEntry
}

type sessionEntry struct {
	mu         sync.Mutex
	sess       *datatypes.Session
	lastAccess time.Time
}

// EvictFunc observes sessions the sweeper drops from memory. It runs
// outside the manager's locks, so it may do I/O; implementations bring
// their own timeouts. The session pointer is exclusively the hook's
// after eviction.
type EvictFunc func(sess *datatypes.Session)

// DeleteFunc observes session ids removed through Delete. It runs after
// the store delete and cannot undo it, so implementations log their own
// failures.
type DeleteFunc func(ctx context.Context, sessionID string)

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithContextWindow overrides the rolling context size.
func WithContextWindow(k int) ManagerOption {
	return func(m *Manager) {
		if k > 0 {
			m.contextWindow = k
		}
	}
}

// WithIdleTTL overrides how long idle sessions stay hot.
func WithIdleTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.idleTTL = d
		}
	}
}

// WithManagerLogger overrides the default logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerClock swaps the time source. For tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithEvictHook registers a callback for swept-out sessions. The
// orchestrator uses it to archive idle conversations to the cold tier.
func WithEvictHook(fn EvictFunc) ManagerOption {
	return func(m *Manager) { m.onEvict = fn }
}

// WithDeleteHook registers a callback for deleted sessions, so copies
// outside the store go with them.
func WithDeleteHook(fn DeleteFunc) ManagerOption {
	return func(m *Manager) { m.onDelete = fn }
}

// NewManager builds a manager over a store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:         store,
		contextWindow: DefaultContextWindow,
		idleTTL:       DefaultIdleTTL,
		logger:        slog.Default(),
		now:           time.Now,
		hot:           make(map[string]*sessionEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// entryFor returns the hot entry, creating an empty one on first touch.
// The caller must still lock the entry before using its session.
func (m *Manager) entryFor(sessionID string) *sessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hot[sessionID]
	if !ok {
		e = &sessionEntry{}
		m.hot[sessionID] = e
	}
	e.lastAccess = m.now()
	return e
}

// hydrate fills the entry's session, loading from the store on first
// touch. Unknown ids start a fresh session. Caller holds e.mu.
func (m *Manager) hydrate(ctx context.Context, e *sessionEntry, sessionID string) error {
	if e.sess != nil {
		return nil
	}
	sess, err := m.store.Load(ctx, sessionID)
	switch {
	case err == nil:
		e.sess = sess
	case errors.Is(err, ErrNotFound):
		e.sess = &datatypes.Session{ID: sessionID, CreatedAt: m.now().UTC()}
	default:
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return nil
}

// WithSession runs fn with exclusive access to the session. This is the
// per-session serialization point: two turns for the same session can
// never interleave here.
func (m *Manager) WithSession(ctx context.Context, sessionID string, fn func(*datatypes.Session) error) error {
	e := m.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.hydrate(ctx, e, sessionID); err != nil {
		return err
	}
	return fn(e.sess)
}

// RunTurn executes fn under the session's lock and appends the turn it
// returns. The lock spans the whole callback, so overlapping questions
// for one session run strictly one after another, each seeing the turns
// the previous one appended. A persistence failure does not undo the
// turn; the session keeps it in memory and the loss is logged.
func (m *Manager) RunTurn(ctx context.Context, sessionID string, fn func(*datatypes.Session) (datatypes.Turn, error)) (datatypes.Turn, error) {
	ctx, span := tracer.Start(ctx, "Manager.RunTurn")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	e := m.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.hydrate(ctx, e, sessionID); err != nil {
		return datatypes.Turn{}, err
	}

	turn, err := fn(e.sess)
	if err != nil {
		return turn, err
	}
	e.sess.Append(turn)
	stamped := e.sess.Turns[len(e.sess.Turns)-1]
	span.SetAttributes(attribute.Int("seq", stamped.Seq))
	// A turn that ran to completion gets persisted even when the caller
	// hung up mid-answer.
	if perr := m.store.AppendTurn(context.WithoutCancel(ctx), sessionID, stamped); perr != nil {
		m.logger.Error("turn persisted in memory only",
			"session_id", sessionID, "seq", stamped.Seq, "error", perr)
	}
	return stamped, nil
}

// AppendTurn finalizes a turn: stamps its sequence, appends it to the
// in-memory session, and writes it through to the store. A store failure
// leaves the in-memory session updated, so the conversation continues
// even when persistence is down; the error tells the caller durability
// was lost.
func (m *Manager) AppendTurn(ctx context.Context, sessionID string, turn datatypes.Turn) error {
	ctx, span := tracer.Start(ctx, "Manager.AppendTurn")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	return m.WithSession(ctx, sessionID, func(sess *datatypes.Session) error {
		sess.Append(turn)
		stamped := sess.Turns[len(sess.Turns)-1]
		span.SetAttributes(attribute.Int("seq", stamped.Seq))
		if err := m.store.AppendTurn(ctx, sessionID, stamped); err != nil {
			m.logger.Error("turn persisted in memory only",
				"session_id", sessionID, "seq", stamped.Seq, "error", err)
			return fmt.Errorf("persist turn: %w", err)
		}
		return nil
	})
}

// Context returns the rolling transcript window for a session. Unknown
// sessions return an empty window.
func (m *Manager) Context(ctx context.Context, sessionID string) ([]datatypes.Message, error) {
	var msgs []datatypes.Message
	err := m.WithSession(ctx, sessionID, func(sess *datatypes.Session) error {
		msgs = sess.Context(m.contextWindow)
		return nil
	})
	return msgs, err
}

// Snapshot returns a deep copy of a session. Callers can read it without
// holding any lock, and mutations to the copy never reach the live
// session. Cold sessions are served straight from the store and are not
// pulled into memory.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (*datatypes.Session, error) {
	m.mu.Lock()
	e, ok := m.hot[sessionID]
	m.mu.Unlock()

	if !ok {
		return m.store.Load(ctx, sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return m.store.Load(ctx, sessionID)
	}
	return copySession(e.sess)
}

// Delete removes a session from memory and from the store. An in-flight
// turn is allowed to finish and persist first; the wipe covers it too.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	e, ok := m.hot[sessionID]
	delete(m.hot, sessionID)
	m.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.sess = nil
		e.mu.Unlock()
	}
	err := m.store.Delete(ctx, sessionID)
	// The delete hook runs even when the store failed: a deletion
	// request has to reach every tier it can.
	if m.onDelete != nil {
		m.onDelete(ctx, sessionID)
	}
	return err
}

// copySession deep-copies through JSON. Sessions round-trip losslessly,
// the store depends on that already.
func copySession(sess *datatypes.Session) (*datatypes.Session, error) {
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("copy session: %w", err)
	}
	var out datatypes.Session
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("copy session: %w", err)
	}
	return &out, nil
}

// Sweep drops hot sessions idle past the TTL. Their turns stay in the
// store; the next touch reloads them. Returns how many were evicted.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.Lock()
	evicted := 0
	var dropped []*datatypes.Session
	for id, e := range m.hot {
		if !e.lastAccess.Before(cutoff) {
			continue
		}
		// Skip sessions mid-turn; they are idle only between turns.
		if !e.mu.TryLock() {
			continue
		}
		sess := e.sess
		e.mu.Unlock()
		delete(m.hot, id)
		evicted++
		if m.onEvict != nil && sess != nil {
			dropped = append(dropped, sess)
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.Debug("evicted idle sessions", "count", evicted)
	}
	// The hook may block on I/O, so it runs after the map lock is
	// released. Nothing else references these sessions anymore.
	for _, sess := range dropped {
		m.onEvict(sess)
	}
	return evicted
}

// SweepLoop runs Sweep at the interval until the context ends.
func (m *Manager) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// HotCount reports how many sessions are currently in memory.
func (m *Manager) HotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hot)
}
