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
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
	"github.com/spf13/cobra"
)

func runListSessions(cmd *cobra.Command, args []string) {
	baseURL := getOrchestratorBaseURL()
	orchestratorURL := fmt.Sprintf("%s/v1/sessions", baseURL)

	resp, err := http.Get(orchestratorURL)
	if err != nil {
		log.Fatalf("Failed to connect to orchestrator: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Orchestrator returned an error: %s", resp.Status)
	}

	var result datatypes.SessionListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Fatalf("Failed to parse response from orchestrator: %v", err)
	}

	if result.Count == 0 {
		fmt.Println("No active sessions found.")
		return
	}

	fmt.Printf("Active Sessions (%d):\n", result.Count)
	fmt.Println("------------------------------------------------------------------")
	for _, id := range result.Sessions {
		fmt.Println(id)
	}
	fmt.Println("\nUse 'mediquery session show <session_id>' to inspect one.")
}

func runShowSession(cmd *cobra.Command, args []string) {
	baseURL := getOrchestratorBaseURL()
	sessionId := args[0]
	orchestratorURL := fmt.Sprintf("%s/v1/sessions/%s", baseURL, url.PathEscape(sessionId))

	resp, err := http.Get(orchestratorURL)
	if err != nil {
		log.Fatalf("Failed to connect to orchestrator: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Fatalf("Session not found: %s", sessionId)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Orchestrator returned an error: %s", resp.Status)
	}

	var session datatypes.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		log.Fatalf("Failed to parse response from orchestrator: %v", err)
	}

	fmt.Printf("Session: %s\n", session.SessionID)
	if session.LastSubject != "" {
		fmt.Printf("Subject: %s\n", session.LastSubject)
	}
	fmt.Printf("Updated: %s\n", session.UpdatedAt.Format(time.RFC3339))
	fmt.Println("------------------------------------------------------------------")

	if len(session.Turns) == 0 {
		fmt.Println("No completed turns yet.")
		return
	}

	for _, t := range session.Turns {
		fmt.Printf("\n[%d] %s\n", t.Seq, t.Question)
		status := t.State
		if t.Requeried {
			status += ", requeried"
		}
		if t.Conflicts > 0 {
			status += fmt.Sprintf(", %d conflict(s)", t.Conflicts)
		}
		fmt.Printf("    State:  %s\n", status)
		if t.Subject != "" {
			fmt.Printf("    Subject: %s\n", t.Subject)
		}
		if t.Answer != "" {
			fmt.Printf("    Answer: %s\n", t.Answer)
		}
	}
}

func runDeleteSession(cmd *cobra.Command, args []string) {
	baseURL := getOrchestratorBaseURL()
	sessionId := args[0]
	orchestratorURL := fmt.Sprintf("%s/v1/sessions/%s", baseURL, url.PathEscape(sessionId))

	req, err := http.NewRequest(http.MethodDelete, orchestratorURL, nil)
	if err != nil {
		log.Fatalf("Failed to create delete request: %v", err)
	}
	withAdminAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Failed to send delete request to orchestrator: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Orchestrator returned an error: %s", resp.Status)
	}

	fmt.Printf("Successfully deleted session: %s\n", sessionId)
}
