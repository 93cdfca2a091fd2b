// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements the interactive loop behind `mediquery chat`: an
// input reader abstraction (arrow-key history on a TTY, plain stdin
// otherwise) and a runner that keeps one server-side session across
// turns so follow-up questions inherit the conversation subject.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/MediQuery/pkg/ux"
	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
)

// --- Interfaces ---

// ChatRunner runs an interactive question loop until the user exits or
// the context is cancelled. Callers must Close when done.
type ChatRunner interface {
	Run(ctx context.Context) error
	Close() error
}

// InputReader reads one line of user input. Implementations return
// io.EOF when input is exhausted (Ctrl+D, closed pipe).
type InputReader interface {
	ReadLine() (string, error)
}

// PromptingInputReader is implemented by readers that render their own
// prompt. The runner checks for it to avoid printing the prompt twice.
type PromptingInputReader interface {
	InputReader
	SetPrompt(prompt string)
}

// --- Stdin Reader ---

// StdinReader is the fallback reader for piped input and CI: plain
// line-buffered reads with no editing support.
type StdinReader struct {
	reader *bufio.Reader
}

func NewStdinReader() *StdinReader {
	return &StdinReader{reader: bufio.NewReader(os.Stdin)}
}

func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// --- Interactive Reader ---

// InteractiveInputReader provides line editing and up/down history on a
// TTY. History lives in memory for the life of the chat; it is not
// persisted, questions can contain health details.
type InteractiveInputReader struct {
	history    []string
	maxHistory int
	prompt     string
}

// NewInteractiveInputReader returns an interactive reader, or a plain
// StdinReader when stdin is not a terminal.
func NewInteractiveInputReader(maxHistory int) InputReader {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return NewStdinReader()
	}
	return &InteractiveInputReader{
		history:    make([]string, 0, maxHistory),
		maxHistory: maxHistory,
		prompt:     "> ",
	}
}

func (r *InteractiveInputReader) SetPrompt(prompt string) {
	r.prompt = prompt
}

// ReadLine runs a one-shot bubbletea program around a text input:
// Enter submits, Up/Down walk history, Ctrl+C clears the line, Ctrl+D
// ends the chat.
func (r *InteractiveInputReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 80

	m := inputModel{textInput: ti, history: r.history, historyIndex: -1}

	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}
	result, ok := finalModel.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", finalModel)
	}
	if result.eof {
		return "", io.EOF
	}

	input := strings.TrimSpace(result.textInput.Value())
	if input != "" {
		r.remember(input)
	}
	return input, nil
}

func (r *InteractiveInputReader) remember(input string) {
	if len(r.history) > 0 && r.history[len(r.history)-1] == input {
		return
	}
	r.history = append(r.history, input)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

// inputModel is the bubbletea model for one line of input.
type inputModel struct {
	textInput    textinput.Model
	history      []string
	historyIndex int
	currentInput string
	done         bool
	eof          bool
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlC:
			m.textInput.SetValue("")
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlD:
			m.eof = true
			m.done = true
			return m, tea.Quit

		case tea.KeyUp:
			if len(m.history) == 0 {
				return m, nil
			}
			// Park the draft line before walking into history.
			if m.historyIndex == -1 {
				m.currentInput = m.textInput.Value()
				m.historyIndex = len(m.history) - 1
			} else if m.historyIndex > 0 {
				m.historyIndex--
			}
			m.textInput.SetValue(m.history[m.historyIndex])
			m.textInput.CursorEnd()
			return m, nil

		case tea.KeyDown:
			if m.historyIndex == -1 {
				return m, nil
			}
			if m.historyIndex < len(m.history)-1 {
				m.historyIndex++
				m.textInput.SetValue(m.history[m.historyIndex])
			} else {
				m.historyIndex = -1
				m.textInput.SetValue(m.currentInput)
			}
			m.textInput.CursorEnd()
			return m, nil
		}
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.textInput.View()
}

// --- HTTP Chat Runner ---

// HTTPChatRunner drives a conversation against a running orchestrator.
// The first answered turn pins the session id; every later question in
// the loop lands on the same session.
type HTTPChatRunner struct {
	baseURL   string
	client    *http.Client
	reader    InputReader
	sessionID string
}

// NewHTTPChatRunner creates a runner. A non-empty sessionID resumes an
// existing conversation.
func NewHTTPChatRunner(baseURL, sessionID string, reader InputReader) *HTTPChatRunner {
	return &HTTPChatRunner{
		baseURL: baseURL,
		// A turn is bounded server-side at 90s; leave headroom for the trip.
		client:    &http.Client{Timeout: 2 * time.Minute},
		reader:    reader,
		sessionID: sessionID,
	}
}

// Run executes the chat loop until "exit", EOF, or context cancellation.
func (r *HTTPChatRunner) Run(ctx context.Context) error {
	ux.Info("Ask about a medicine. Type \"exit\" to leave, Ctrl+D also works.")
	if r.sessionID != "" {
		ux.Muted(fmt.Sprintf("Resuming session %s", r.sessionID))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p, ok := r.reader.(PromptingInputReader); ok {
			p.SetPrompt("❯ ")
		} else {
			fmt.Print("❯ ")
		}
		line, err := r.reader.ReadLine()
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		answer, err := r.ask(ctx, line)
		if err != nil {
			ux.Error(err.Error())
			continue
		}
		r.renderTurn(answer)
	}
}

// Close releases runner resources. Safe to call more than once.
func (r *HTTPChatRunner) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

// ask submits one question and records the session id for the next.
func (r *HTTPChatRunner) ask(ctx context.Context, question string) (*datatypes.AskResponse, error) {
	payload, err := json.Marshal(datatypes.AskRequest{
		SessionID: r.sessionID,
		Question:  question,
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode the question: %w", err)
	}

	spinner := ux.NewSpinner("Consulting evidence sources").WithType(ux.SpinnerPulse)
	spinner.Start()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/v1/ask", bytes.NewReader(payload))
	if err != nil {
		spinner.StopWithError("Bad request")
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		spinner.StopWithError("Orchestrator unreachable")
		return nil, fmt.Errorf("failed to reach the orchestrator at %s: %w", r.baseURL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		spinner.StopWithError("Request rejected")
		return nil, fmt.Errorf("orchestrator returned status %d: %s", resp.StatusCode, string(body))
	}

	var answer datatypes.AskResponse
	if err := json.Unmarshal(body, &answer); err != nil {
		spinner.StopWithError("Unreadable response")
		return nil, fmt.Errorf("could not parse the orchestrator response: %w", err)
	}
	spinner.Stop()

	firstTurn := r.sessionID == ""
	r.sessionID = answer.SessionID
	if firstTurn && answer.SessionID != "" {
		ux.Muted(fmt.Sprintf("Session %s, follow-ups will stay on this subject", answer.SessionID))
	}
	return &answer, nil
}

// renderTurn prints a compact per-turn view; `mediquery ask` keeps the
// full provenance listing for one-shot questions.
func (r *HTTPChatRunner) renderTurn(answer *datatypes.AskResponse) {
	fmt.Println()
	ux.Box("Answer", answer.Answer)

	if answer.Subject != "" {
		ux.Muted("Subject: " + answer.Subject)
	}
	if answer.Requeried {
		ux.Info("The first draft did not verify cleanly; this answer comes from a second retrieval pass.")
	}
	if answer.Conflicts > 0 {
		ux.Warning(fmt.Sprintf("%d fact(s) had disagreeing sources; the higher-trust source was kept.", answer.Conflicts))
	}
	fmt.Println()
}
