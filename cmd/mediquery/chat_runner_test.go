// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/AleutianAI/MediQuery/pkg/ux"
	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
)

// =============================================================================
// Test Helpers
// =============================================================================

// Compile-time interface checks.
var (
	_ InputReader          = &StdinReader{}
	_ PromptingInputReader = &InteractiveInputReader{}
	_ ChatRunner           = &HTTPChatRunner{}
)

// scriptedReader returns canned inputs in order, then io.EOF.
type scriptedReader struct {
	inputs []string
	index  int
}

func (r *scriptedReader) ReadLine() (string, error) {
	if r.index >= len(r.inputs) {
		return "", io.EOF
	}
	line := r.inputs[r.index]
	r.index++
	return line, nil
}

// quietUX switches output to machine personality for the test so the
// spinner does not animate into the test log.
func quietUX(t *testing.T) {
	t.Helper()
	prev := ux.GetPersonality().Level
	ux.SetPersonalityLevel(ux.PersonalityMachine)
	t.Cleanup(func() { ux.SetPersonalityLevel(prev) })
}

// askRecorder is an orchestrator stub that records every /v1/ask request
// and answers with a fixed session id.
type askRecorder struct {
	mu        sync.Mutex
	requests  []datatypes.AskRequest
	sessionID string
	// statuses overrides the response code per call; past the end, 200.
	statuses []int
}

func (a *askRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req datatypes.AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		a.mu.Lock()
		call := len(a.requests)
		a.requests = append(a.requests, req)
		status := http.StatusOK
		if call < len(a.statuses) {
			status = a.statuses[call]
		}
		a.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"stub failure"}`))
			return
		}
		json.NewEncoder(w).Encode(datatypes.AskResponse{
			SessionID: a.sessionID,
			Answer:    "Stub answer.",
			State:     "Delivering",
		})
	}
}

func (a *askRecorder) recorded() []datatypes.AskRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]datatypes.AskRequest(nil), a.requests...)
}

// =============================================================================
// HTTPChatRunner Tests
// =============================================================================

func TestChatRunnerExitCommands(t *testing.T) {
	quietUX(t)

	for _, word := range []string{"exit", "quit"} {
		t.Run(word, func(t *testing.T) {
			rec := &askRecorder{sessionID: "sess-exit"}
			srv := httptest.NewServer(rec.handler())
			defer srv.Close()

			runner := NewHTTPChatRunner(srv.URL, "", &scriptedReader{inputs: []string{word}})
			defer runner.Close()

			if err := runner.Run(context.Background()); err != nil {
				t.Fatalf("Run() returned error: %v", err)
			}
			if n := len(rec.recorded()); n != 0 {
				t.Errorf("expected 0 questions sent before %q, got %d", word, n)
			}
		})
	}
}

func TestChatRunnerSkipsEmptyInput(t *testing.T) {
	quietUX(t)
	rec := &askRecorder{sessionID: "sess-empty"}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	runner := NewHTTPChatRunner(srv.URL, "", &scriptedReader{inputs: []string{"", "", "exit"}})
	defer runner.Close()

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if n := len(rec.recorded()); n != 0 {
		t.Errorf("expected 0 questions sent, got %d", n)
	}
}

func TestChatRunnerCarriesSessionAcrossTurns(t *testing.T) {
	quietUX(t)
	rec := &askRecorder{sessionID: "sess-carry"}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	reader := &scriptedReader{inputs: []string{
		"What is ibuprofen used for?",
		"Is it safe for children?",
		"exit",
	}}
	runner := NewHTTPChatRunner(srv.URL, "", reader)
	defer runner.Close()

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	reqs := rec.recorded()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 questions sent, got %d", len(reqs))
	}
	if reqs[0].SessionID != "" {
		t.Errorf("first turn carried session %q, want empty", reqs[0].SessionID)
	}
	if reqs[1].SessionID != "sess-carry" {
		t.Errorf("second turn carried session %q, want %q", reqs[1].SessionID, "sess-carry")
	}
}

func TestChatRunnerResumesExistingSession(t *testing.T) {
	quietUX(t)
	rec := &askRecorder{sessionID: "sess-resume"}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	reader := &scriptedReader{inputs: []string{"And the maximum dose?", "exit"}}
	runner := NewHTTPChatRunner(srv.URL, "sess-resume", reader)
	defer runner.Close()

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	reqs := rec.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 question sent, got %d", len(reqs))
	}
	if reqs[0].SessionID != "sess-resume" {
		t.Errorf("resumed turn carried session %q, want %q", reqs[0].SessionID, "sess-resume")
	}
}

func TestChatRunnerServerErrorContinuesLoop(t *testing.T) {
	quietUX(t)
	rec := &askRecorder{sessionID: "sess-err", statuses: []int{http.StatusInternalServerError}}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	reader := &scriptedReader{inputs: []string{"first question", "second question", "exit"}}
	runner := NewHTTPChatRunner(srv.URL, "", reader)
	defer runner.Close()

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if n := len(rec.recorded()); n != 2 {
		t.Errorf("expected both questions attempted, got %d", n)
	}
}

func TestChatRunnerEOFEndsChat(t *testing.T) {
	quietUX(t)
	rec := &askRecorder{sessionID: "sess-eof"}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	// No exit command; the reader runs dry after one question.
	runner := NewHTTPChatRunner(srv.URL, "", &scriptedReader{inputs: []string{"hello"}})
	defer runner.Close()

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if n := len(rec.recorded()); n != 1 {
		t.Errorf("expected 1 question sent before EOF, got %d", n)
	}
}

func TestChatRunnerPreCancelledContext(t *testing.T) {
	quietUX(t)
	rec := &askRecorder{sessionID: "sess-cancel"}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	runner := NewHTTPChatRunner(srv.URL, "", &scriptedReader{inputs: []string{"msg1", "msg2"}})
	defer runner.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := runner.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestChatRunnerCloseIdempotent(t *testing.T) {
	runner := NewHTTPChatRunner("http://localhost:0", "", &scriptedReader{})

	if err := runner.Close(); err != nil {
		t.Errorf("first Close() returned error: %v", err)
	}
	if err := runner.Close(); err != nil {
		t.Errorf("second Close() returned error: %v", err)
	}
}

// =============================================================================
// History and Input Model Tests
// =============================================================================

func TestInteractiveHistorySkipsDuplicatesAndTrims(t *testing.T) {
	r := &InteractiveInputReader{maxHistory: 3}

	r.remember("one")
	r.remember("one") // consecutive duplicate dropped
	r.remember("two")
	r.remember("three")
	r.remember("four") // pushes "one" out

	want := []string{"two", "three", "four"}
	if len(r.history) != len(want) {
		t.Fatalf("history length = %d, want %d: %v", len(r.history), len(want), r.history)
	}
	for i, w := range want {
		if r.history[i] != w {
			t.Errorf("history[%d] = %q, want %q", i, r.history[i], w)
		}
	}
}

func pressKey(t *testing.T, m inputModel, key tea.KeyType) inputModel {
	t.Helper()
	next, _ := m.Update(tea.KeyMsg{Type: key})
	result, ok := next.(inputModel)
	if !ok {
		t.Fatalf("Update returned %T, want inputModel", next)
	}
	return result
}

func TestInputModelHistoryNavigation(t *testing.T) {
	ti := textinput.New()
	ti.Focus()
	ti.SetValue("draft line")
	m := inputModel{textInput: ti, history: []string{"first", "second"}, historyIndex: -1}

	m = pressKey(t, m, tea.KeyUp)
	if got := m.textInput.Value(); got != "second" {
		t.Errorf("after Up: value = %q, want %q", got, "second")
	}
	m = pressKey(t, m, tea.KeyUp)
	if got := m.textInput.Value(); got != "first" {
		t.Errorf("after Up Up: value = %q, want %q", got, "first")
	}
	// Another Up stays at the oldest entry.
	m = pressKey(t, m, tea.KeyUp)
	if got := m.textInput.Value(); got != "first" {
		t.Errorf("Up at oldest: value = %q, want %q", got, "first")
	}

	m = pressKey(t, m, tea.KeyDown)
	if got := m.textInput.Value(); got != "second" {
		t.Errorf("after Down: value = %q, want %q", got, "second")
	}
	// Down past the newest entry restores the draft.
	m = pressKey(t, m, tea.KeyDown)
	if got := m.textInput.Value(); got != "draft line" {
		t.Errorf("Down past newest: value = %q, want draft", got)
	}
	if m.historyIndex != -1 {
		t.Errorf("historyIndex = %d, want -1", m.historyIndex)
	}
}

func TestInputModelTerminalKeys(t *testing.T) {
	ti := textinput.New()
	ti.Focus()
	ti.SetValue("in progress")
	base := inputModel{textInput: ti, historyIndex: -1}

	enter := pressKey(t, base, tea.KeyEnter)
	if !enter.done || enter.eof {
		t.Errorf("Enter: done=%v eof=%v, want done only", enter.done, enter.eof)
	}
	if got := enter.textInput.Value(); got != "in progress" {
		t.Errorf("Enter kept value %q, want %q", got, "in progress")
	}

	interrupt := pressKey(t, base, tea.KeyCtrlC)
	if !interrupt.done || interrupt.eof {
		t.Errorf("Ctrl+C: done=%v eof=%v, want done only", interrupt.done, interrupt.eof)
	}
	if got := interrupt.textInput.Value(); got != "" {
		t.Errorf("Ctrl+C kept value %q, want cleared", got)
	}

	eof := pressKey(t, base, tea.KeyCtrlD)
	if !eof.done || !eof.eof {
		t.Errorf("Ctrl+D: done=%v eof=%v, want both", eof.done, eof.eof)
	}
}
