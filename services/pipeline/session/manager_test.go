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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
)

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *BadgerStore) {
	t.Helper()
	store := newTestStore(t)
	return NewManager(store, opts...), store
}

func TestManagerAppendTurnStampsSequence(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	// Incoming turns carry no meaningful seq; the session assigns it.
	turn := finishedTurn(99, "what is tylenol", "tylenol", "An analgesic.")
	if err := mgr.AppendTurn(ctx, "sess-m", turn); err != nil {
		t.Fatalf("append: %v", err)
	}
	turn = finishedTurn(99, "what about dosing", "tylenol", "Up to 3g per day for adults.")
	if err := mgr.AppendTurn(ctx, "sess-m", turn); err != nil {
		t.Fatalf("append: %v", err)
	}

	sess, err := store.Load(ctx, "sess-m")
	if err != nil {
		t.Fatalf("load from store: %v", err)
	}
	if len(sess.Turns) != 2 {
		t.Fatalf("store has %d turns, want 2", len(sess.Turns))
	}
	for i, got := range sess.Turns {
		if got.Seq != i {
			t.Errorf("turn %d persisted with seq %d", i, got.Seq)
		}
	}
}

func TestManagerSerializesConcurrentTurns(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	const writers = 12

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turn := finishedTurn(0, fmt.Sprintf("question %02d text", i), "aspirin", "answer")
			errs <- mgr.AppendTurn(ctx, "sess-race", turn)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	// Serialization means every writer got a distinct, gap-free sequence
	// number; none of them collided in the store.
	sess, err := store.Load(ctx, "sess-race")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(sess.Turns) != writers {
		t.Fatalf("store has %d turns, want %d", len(sess.Turns), writers)
	}
	for i, got := range sess.Turns {
		if got.Seq != i {
			t.Errorf("turn %d has seq %d", i, got.Seq)
		}
	}
}

func TestManagerSubjectInheritance(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	turn := finishedTurn(0, "tell me about benadryl", "benadryl", "An antihistamine.")
	if err := mgr.AppendTurn(ctx, "sess-subj", turn); err != nil {
		t.Fatalf("append: %v", err)
	}
	followup := finishedTurn(0, "does it cause drowsiness", "", "Yes, commonly.")
	if err := mgr.AppendTurn(ctx, "sess-subj", followup); err != nil {
		t.Fatalf("append: %v", err)
	}

	var subject string
	err := mgr.WithSession(ctx, "sess-subj", func(sess *datatypes.Session) error {
		subject = sess.LastSubject()
		return nil
	})
	if err != nil {
		t.Fatalf("with session: %v", err)
	}
	if subject != "benadryl" {
		t.Errorf("inherited subject = %q, want benadryl", subject)
	}
}

func TestManagerContextWindow(t *testing.T) {
	mgr, _ := newTestManager(t, WithContextWindow(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		turn := finishedTurn(0, fmt.Sprintf("question %d body", i), "zyrtec", fmt.Sprintf("answer %d", i))
		if err := mgr.AppendTurn(ctx, "sess-ctx", turn); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := mgr.Context(ctx, "sess-ctx")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	// Two turns, each a user/assistant pair.
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].Text != "question 3 body" {
		t.Errorf("window starts at %q, want question 3", msgs[0].Text)
	}
	if msgs[3].Role != "assistant" || msgs[3].Text != "answer 4" {
		t.Errorf("window ends with %s %q, want assistant answer 4", msgs[3].Role, msgs[3].Text)
	}
}

func TestManagerContextUnknownSessionIsEmpty(t *testing.T) {
	mgr, _ := newTestManager(t)

	msgs, err := mgr.Context(context.Background(), "brand-new")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages for a new session, want none", len(msgs))
	}
}

func TestManagerSnapshotIsolation(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	turn := finishedTurn(0, "what is pepto bismol", "pepto bismol", "For upset stomach.")
	if err := mgr.AppendTurn(ctx, "sess-snap", turn); err != nil {
		t.Fatalf("append: %v", err)
	}

	snap, err := mgr.Snapshot(ctx, "sess-snap")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	snap.Turns[0].Answer = "tampered"
	snap.Turns = append(snap.Turns, datatypes.Turn{Query: datatypes.Query{Raw: "injected"}})

	err = mgr.WithSession(ctx, "sess-snap", func(sess *datatypes.Session) error {
		if len(sess.Turns) != 1 {
			t.Errorf("live session has %d turns after snapshot mutation", len(sess.Turns))
		}
		if sess.Turns[0].Answer != "For upset stomach." {
			t.Errorf("live answer = %q, snapshot mutation leaked", sess.Turns[0].Answer)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with session: %v", err)
	}
}

func TestManagerSnapshotColdSessionStaysCold(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	turn := finishedTurn(0, "what is sudafed", "sudafed", "A decongestant.")
	if err := store.AppendTurn(ctx, "sess-cold", turn); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	snap, err := mgr.Snapshot(ctx, "sess-cold")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Turns) != 1 {
		t.Fatalf("snapshot has %d turns, want 1", len(snap.Turns))
	}
	if mgr.HotCount() != 0 {
		t.Errorf("snapshot pulled the session into memory")
	}

	if _, err := mgr.Snapshot(ctx, "never-seen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("snapshot of unknown session = %v, want ErrNotFound", err)
	}
}

func TestManagerSweepEvictsIdleAndReloads(t *testing.T) {
	clock := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	mgr, _ := newTestManager(t,
		WithIdleTTL(10*time.Minute),
		WithManagerClock(func() time.Time { return clock }),
	)
	ctx := context.Background()

	turn := finishedTurn(0, "what is mucinex", "mucinex", "An expectorant.")
	if err := mgr.AppendTurn(ctx, "sess-idle", turn); err != nil {
		t.Fatalf("append: %v", err)
	}
	if mgr.HotCount() != 1 {
		t.Fatalf("hot count = %d, want 1", mgr.HotCount())
	}

	// Still inside the TTL: nothing to evict.
	clock = clock.Add(5 * time.Minute)
	if n := mgr.Sweep(); n != 0 {
		t.Fatalf("swept %d sessions inside the TTL", n)
	}

	clock = clock.Add(10 * time.Minute)
	if n := mgr.Sweep(); n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if mgr.HotCount() != 0 {
		t.Errorf("hot count = %d after sweep, want 0", mgr.HotCount())
	}

	// The store still has the history; the next touch rehydrates.
	var subject string
	err := mgr.WithSession(ctx, "sess-idle", func(sess *datatypes.Session) error {
		subject = sess.LastSubject()
		return nil
	})
	if err != nil {
		t.Fatalf("with session after sweep: %v", err)
	}
	if subject != "mucinex" {
		t.Errorf("subject after rehydrate = %q, want mucinex", subject)
	}
}

func TestManagerSweepHandsEvictedSessionsToHook(t *testing.T) {
	clock := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	var archived []*datatypes.Session
	mgr, _ := newTestManager(t,
		WithIdleTTL(10*time.Minute),
		WithManagerClock(func() time.Time { return clock }),
		WithEvictHook(func(sess *datatypes.Session) { archived = append(archived, sess) }),
	)
	ctx := context.Background()

	turn := finishedTurn(0, "what is zicam", "zicam", "A zinc cold remedy.")
	if err := mgr.AppendTurn(ctx, "sess-hook", turn); err != nil {
		t.Fatalf("append: %v", err)
	}

	clock = clock.Add(5 * time.Minute)
	mgr.Sweep()
	if len(archived) != 0 {
		t.Fatalf("hook fired for a session inside the TTL")
	}

	clock = clock.Add(10 * time.Minute)
	if n := mgr.Sweep(); n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if len(archived) != 1 {
		t.Fatalf("hook saw %d sessions, want 1", len(archived))
	}
	if archived[0].ID != "sess-hook" || len(archived[0].Turns) != 1 {
		t.Errorf("hook received session %q with %d turns", archived[0].ID, len(archived[0].Turns))
	}
}

func TestManagerDeleteNotifiesHook(t *testing.T) {
	var purged []string
	mgr, _ := newTestManager(t,
		WithDeleteHook(func(_ context.Context, id string) { purged = append(purged, id) }),
	)
	ctx := context.Background()

	turn := finishedTurn(0, "what is lactaid", "lactaid", "A lactase supplement.")
	if err := mgr.AppendTurn(ctx, "sess-purge", turn); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mgr.Delete(ctx, "sess-purge"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Deleting a session nobody has touched notifies too; colder tiers
	// may hold copies this manager never saw.
	if err := mgr.Delete(ctx, "sess-cold-purge"); err != nil {
		t.Fatalf("delete cold: %v", err)
	}

	want := []string{"sess-purge", "sess-cold-purge"}
	if len(purged) != len(want) {
		t.Fatalf("delete hook saw %v, want %v", purged, want)
	}
	for i, id := range want {
		if purged[i] != id {
			t.Errorf("purged[%d] = %q, want %q", i, purged[i], id)
		}
	}
}

type failingStore struct {
	Store
	fail bool
}

func (f *failingStore) AppendTurn(ctx context.Context, sessionID string, turn datatypes.Turn) error {
	if f.fail {
		return errors.New("disk gone")
	}
	return f.Store.AppendTurn(ctx, sessionID, turn)
}

func TestManagerKeepsTurnInMemoryWhenStoreFails(t *testing.T) {
	backing := newTestStore(t)
	flaky := &failingStore{Store: backing, fail: true}
	mgr := NewManager(flaky)
	ctx := context.Background()

	turn := finishedTurn(0, "what is dramamine", "dramamine", "For motion sickness.")
	err := mgr.AppendTurn(ctx, "sess-flaky", turn)
	if err == nil {
		t.Fatal("expected an error when persistence fails")
	}

	// The conversation keeps its history even though durability was lost.
	err = mgr.WithSession(ctx, "sess-flaky", func(sess *datatypes.Session) error {
		if len(sess.Turns) != 1 {
			t.Errorf("in-memory session has %d turns, want 1", len(sess.Turns))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with session: %v", err)
	}

	// Once the store recovers, the next turn lands at the next sequence.
	flaky.fail = false
	turn = finishedTurn(0, "how long does it last", "dramamine", "Four to six hours.")
	if err := mgr.AppendTurn(ctx, "sess-flaky", turn); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	sess, err := backing.Load(ctx, "sess-flaky")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(sess.Turns) != 1 || sess.Turns[0].Seq != 1 {
		t.Errorf("store state after recovery: %+v", sess.Turns)
	}
}

func TestManagerDeleteEvictsAndRemovesFromStore(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	if err := mgr.AppendTurn(ctx, "sess-del", finishedTurn(0, "what is aleve", "aleve", "A pain reliever.")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if mgr.HotCount() != 1 {
		t.Fatalf("hot count = %d, want 1", mgr.HotCount())
	}

	if err := mgr.Delete(ctx, "sess-del"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if mgr.HotCount() != 0 {
		t.Errorf("hot count after delete = %d, want 0", mgr.HotCount())
	}
	if _, err := store.Load(ctx, "sess-del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("load after delete: err = %v, want ErrNotFound", err)
	}

	// The id is reusable; a fresh conversation starts from sequence zero.
	if err := mgr.AppendTurn(ctx, "sess-del", finishedTurn(0, "what is advil", "advil", "Ibuprofen.")); err != nil {
		t.Fatalf("append after delete: %v", err)
	}
	sess, err := store.Load(ctx, "sess-del")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(sess.Turns) != 1 || sess.Turns[0].Seq != 0 {
		t.Errorf("reused session state: %+v", sess.Turns)
	}
}
