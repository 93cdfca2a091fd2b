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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/MediQuery/pkg/ux"
	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
	"github.com/spf13/cobra"
)

// runAsk submits a question to the orchestrator and renders the answer
// with its provenance. Pass --session to continue a conversation so
// follow-ups like "what about for children?" keep the same subject.
func runAsk(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")
	baseURL := getOrchestratorBaseURL()

	payload, err := json.Marshal(datatypes.AskRequest{
		SessionID: askSessionID,
		Question:  question,
	})
	if err != nil {
		ux.Error(fmt.Sprintf("Could not encode the question: %v", err))
		return
	}

	spinner := ux.NewSpinner("Consulting evidence sources").WithType(ux.SpinnerPulse)
	spinner.Start()

	// A turn is bounded server-side at 90s; leave headroom for the trip.
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post(baseURL+"/v1/ask", "application/json", bytes.NewBuffer(payload))
	if err != nil {
		spinner.StopWithError("Orchestrator unreachable")
		ux.Error(fmt.Sprintf("Failed to reach the orchestrator at %s: %v", baseURL, err))
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		spinner.StopWithError("Request rejected")
		ux.Error(fmt.Sprintf("Orchestrator returned status %d: %s", resp.StatusCode, string(body)))
		return
	}

	var answer datatypes.AskResponse
	if err := json.Unmarshal(body, &answer); err != nil {
		spinner.StopWithError("Unreadable response")
		ux.Error(fmt.Sprintf("Could not parse the orchestrator response: %v", err))
		return
	}
	spinner.Stop()

	printAnswer(&answer)
}

// printAnswer renders a finished turn: the answer text, the session and
// subject so the user can follow up, and the per-source retrieval status.
func printAnswer(answer *datatypes.AskResponse) {
	fmt.Println()
	ux.Box("Answer", answer.Answer)
	fmt.Println()

	ux.KeyValue("Session", answer.SessionID)
	ux.KeyValue("State", answer.State)
	if answer.Subject != "" {
		ux.KeyValue("Subject", answer.Subject)
	}
	ux.KeyValue("Elapsed", fmt.Sprintf("%dms", answer.ElapsedMs))

	if answer.Requeried {
		ux.Info("The first draft did not verify cleanly; the answer comes from a second retrieval pass.")
	}
	if answer.Conflicts > 0 {
		ux.Warning(fmt.Sprintf("%d fact(s) had disagreeing sources; the higher-trust source was kept.", answer.Conflicts))
	}

	if len(answer.Sources) > 0 {
		fmt.Println()
		ux.Muted("Sources:")
		for _, s := range answer.Sources {
			line := fmt.Sprintf("  %s: %s, %d item(s) in %s", s.Source, s.State,
				s.Items, s.Elapsed.Round(time.Millisecond))
			if s.Err != "" {
				line = fmt.Sprintf("  %s: %s (%s)", s.Source, s.State, s.Err)
			}
			ux.Muted(line)
		}
	}

	if v := answer.Verification; v != nil && v.Checked {
		if contradicted := v.ContradictedClaims(); len(contradicted) > 0 {
			fmt.Println()
			ux.Warning("Some statements conflicted with higher-trust sources:")
			for _, c := range contradicted {
				note := c.Text
				if c.Note != "" {
					note = fmt.Sprintf("%s (%s)", c.Text, c.Note)
				}
				ux.Warning("  " + note)
			}
		}
		if n := v.UnsupportedCount(); n > 0 {
			ux.Muted(fmt.Sprintf("%d claim(s) could not be matched to retrieved evidence.", n))
		}
	}
}
