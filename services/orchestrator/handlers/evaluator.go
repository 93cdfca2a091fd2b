// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Evaluator handles the logic of replaying scripted question sets against
// a running orchestrator and scoring the answers
type Evaluator struct {
	httpClient      *http.Client
	orchestratorURL string
	storage         *InfluxDBStorage
}

// NewEvaluator creates a new evaluator instance.
// Note: We default to localhost ports because this is usually run from the CLI on the Host.
func NewEvaluator() (*Evaluator, error) {
	orchestratorURL := os.Getenv("ORCHESTRATOR_URL")
	if orchestratorURL == "" {
		orchestratorURL = "http://localhost:12230"
	}

	storage, err := NewInfluxDBStorage()
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	return &Evaluator{
		httpClient:      &http.Client{Timeout: 5 * time.Minute},
		orchestratorURL: orchestratorURL,
		storage:         storage,
	}, nil
}

// RunScenario executes every case in the YAML scenario in order.
//
// Cases run sequentially, not concurrently, because a case marked
// continue_session must see the session state its predecessor left behind.
// A case that fails its expectations or its HTTP request does not stop the
// run; the summary reports how many passed.
func (e *Evaluator) RunScenario(ctx context.Context, scenario *datatypes.EvalScenario, runID string) (*datatypes.EvalSummary, error) {
	slog.Info("Starting evaluation run",
		"run_id", runID,
		"scenario", scenario.Metadata.ID,
		"cases", len(scenario.Cases),
		"orchestrator", e.orchestratorURL)

	start := time.Now()
	summary := &datatypes.EvalSummary{RunID: runID, Total: len(scenario.Cases)}

	// sessionID carries across continue_session cases and resets otherwise.
	sessionID := ""

	for i, c := range scenario.Cases {
		if err := ctx.Err(); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, fmt.Errorf("run aborted at case %d: %w", i, err)
		}

		if !c.ContinueSession {
			sessionID = ""
		}

		result, err := e.runCase(ctx, scenario, &c, sessionID, runID)
		if err != nil {
			slog.Warn("Case request failed", "case", c.ID, "error", err)
			summary.Failed++
			continue
		}
		sessionID = result.SessionID

		if result.Passed {
			summary.Passed++
		} else {
			summary.Failed++
			slog.Warn("Case failed expectations",
				"case", c.ID,
				"failures", strings.Join(result.Failures, "; "))
		}

		if err := e.storage.StoreResult(ctx, result); err != nil {
			// Scoring is the product of a run; losing a metrics point is not
			// worth aborting over.
			slog.Warn("Failed to store case result", "case", c.ID, "error", err)
		}

		if (i+1)%5 == 0 || i == len(scenario.Cases)-1 {
			slog.Info("Evaluation progress",
				"done", i+1,
				"total", len(scenario.Cases),
				"passed", summary.Passed,
				"failed", summary.Failed)
		}

		if pause := scenario.Evaluation.PauseBetweenMS; pause > 0 && i < len(scenario.Cases)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(pause) * time.Millisecond):
			}
		}
	}

	summary.Elapsed = time.Since(start)
	return summary, nil
}

// runCase posts one question to /v1/ask and scores the decoded response
// against the case's expectations.
func (e *Evaluator) runCase(ctx context.Context, scenario *datatypes.EvalScenario,
	c *datatypes.EvalCase, sessionID, runID string) (*datatypes.EvalCaseResult, error) {

	answer, latency, err := e.Ask(ctx, c.Question, sessionID)
	if err != nil {
		return nil, err
	}

	result := &datatypes.EvalCaseResult{
		ScenarioID: scenario.Metadata.ID,
		CaseID:     c.ID,
		RunID:      runID,
		Question:   c.Question,
		SessionID:  answer.SessionID,
		Route:      answer.Route,
		State:      answer.State,
		LatencyMS:  latency.Milliseconds(),
		Requeried:  answer.Requeried,
		Conflicts:  answer.Conflicts,
		AnswerLen:  len(answer.Answer),
		Timestamp:  time.Now(),
	}

	if v := answer.Verification; v != nil && v.Checked {
		result.ClaimsChecked = len(v.Claims)
		result.ClaimsUnsupported = v.UnsupportedCount()
		result.ClaimsContradicted = len(v.ContradictedClaims())
	}

	result.Failures = scoreCase(&c.Expect, scenario.Evaluation.MaxLatencyMS, answer, latency)
	result.Passed = len(result.Failures) == 0
	return result, nil
}

// Ask sends a single question to the orchestrator and returns the decoded
// response plus the observed round-trip latency.
func (e *Evaluator) Ask(ctx context.Context, question, sessionID string) (*datatypes.AskResponse, time.Duration, error) {
	url := fmt.Sprintf("%s/v1/ask", e.orchestratorURL)

	payload := datatypes.AskRequest{
		SessionID: sessionID,
		Question:  question,
	}

	reqBody, _ := json.Marshal(payload)
	req, _ := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, latency, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, latency, fmt.Errorf("ask error status %d: %s", resp.StatusCode, string(body))
	}

	var answer datatypes.AskResponse
	err = json.NewDecoder(resp.Body).Decode(&answer)
	return &answer, latency, err
}

// scoreCase returns one human-readable failure string per expectation the
// response missed. Empty fields in the expectation are not checked. String
// checks are case-insensitive so scenarios do not break on cosmetic
// rephrasing by the generative backend.
func scoreCase(expect *datatypes.EvalExpect, defaultMaxLatencyMS int,
	answer *datatypes.AskResponse, latency time.Duration) []string {

	var failures []string

	if expect.Subject != "" && !strings.EqualFold(answer.Subject, expect.Subject) {
		failures = append(failures, fmt.Sprintf("subject %q, want %q", answer.Subject, expect.Subject))
	}
	if expect.Route != "" && answer.Route != expect.Route {
		failures = append(failures, fmt.Sprintf("route %q, want %q", answer.Route, expect.Route))
	}
	if expect.State != "" && answer.State != expect.State {
		failures = append(failures, fmt.Sprintf("state %q, want %q", answer.State, expect.State))
	}

	lower := strings.ToLower(answer.Answer)
	for _, want := range expect.Contains {
		if !strings.Contains(lower, strings.ToLower(want)) {
			failures = append(failures, fmt.Sprintf("answer missing %q", want))
		}
	}
	for _, banned := range expect.NotContains {
		if strings.Contains(lower, strings.ToLower(banned)) {
			failures = append(failures, fmt.Sprintf("answer contains banned %q", banned))
		}
	}

	maxLatency := expect.MaxLatencyMS
	if maxLatency == 0 {
		maxLatency = defaultMaxLatencyMS
	}
	if maxLatency > 0 && latency.Milliseconds() > int64(maxLatency) {
		failures = append(failures, fmt.Sprintf("latency %dms over budget %dms", latency.Milliseconds(), maxLatency))
	}

	return failures
}

func (e *Evaluator) Close() error {
	e.storage.Close()
	return nil
}

// --- Internal Storage Implementation ---

type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

func NewInfluxDBStorage() (*InfluxDBStorage, error) {
	// Default to the standard InfluxDB port if not set
	url := os.Getenv("INFLUXDB_URL")
	if url == "" {
		url = "http://localhost:8086"
	}

	token := os.Getenv("INFLUXDB_TOKEN")
	if token == "" {
		// Try to fallback to the default dev token
		token = "your_super_secret_admin_token"
	}

	org := os.Getenv("INFLUXDB_ORG")
	if org == "" {
		org = "aleutian-health"
	}

	bucket := os.Getenv("INFLUXDB_BUCKET")
	if bucket == "" {
		bucket = "mediquery-evaluations"
	}

	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPIBlocking(org, bucket)

	return &InfluxDBStorage{
		client:   client,
		writeAPI: writeAPI,
		bucket:   bucket,
		org:      org,
	}, nil
}

func (s *InfluxDBStorage) StoreResult(ctx context.Context, result *datatypes.EvalCaseResult) error {
	p := influxdb2.NewPointWithMeasurement("qa_evaluations").
		AddTag("scenario", result.ScenarioID).
		AddTag("case", result.CaseID).
		AddTag("run_id", result.RunID).
		AddTag("route", result.Route).
		AddTag("state", result.State).
		AddField("passed", result.Passed).
		AddField("latency_ms", result.LatencyMS).
		AddField("requeried", result.Requeried).
		AddField("conflicts", result.Conflicts).
		AddField("claims_checked", result.ClaimsChecked).
		AddField("claims_unsupported", result.ClaimsUnsupported).
		AddField("claims_contradicted", result.ClaimsContradicted).
		AddField("answer_len", result.AnswerLen).
		AddField("failures", strings.Join(result.Failures, "; ")).
		SetTime(result.Timestamp)

	return s.writeAPI.WritePoint(ctx, p)
}

func (s *InfluxDBStorage) Close() {
	s.client.Close()
}
