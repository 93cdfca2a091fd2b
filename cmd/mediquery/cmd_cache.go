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
	"log"
	"net/http"
	"net/url"

	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
	"github.com/spf13/cobra"
)

func runCacheStats(cmd *cobra.Command, args []string) {
	baseURL := getOrchestratorBaseURL()
	orchestratorURL := fmt.Sprintf("%s/v1/cache/stats", baseURL)

	req, err := http.NewRequest(http.MethodGet, orchestratorURL, nil)
	if err != nil {
		log.Fatalf("Failed to create stats request: %v", err)
	}
	withAdminAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Failed to connect to orchestrator: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Orchestrator returned an error: (Status %d) %s", resp.StatusCode, string(bodyBytes))
	}

	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, bodyBytes, "", "  "); err != nil {
		log.Fatalf("Failed to format JSON: %v", err)
	}
	fmt.Println(prettyJSON.String())
}

func runCacheSweep(cmd *cobra.Command, args []string) {
	baseURL := getOrchestratorBaseURL()
	orchestratorURL := fmt.Sprintf("%s/v1/cache/sweep", baseURL)

	req, err := http.NewRequest(http.MethodPost, orchestratorURL, nil)
	if err != nil {
		log.Fatalf("Failed to create sweep request: %v", err)
	}
	withAdminAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Failed to send sweep request to orchestrator: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Orchestrator returned an error: (Status %d) %s", resp.StatusCode, string(bodyBytes))
	}

	var sweep datatypes.CacheSweepResponse
	if err := json.Unmarshal(bodyBytes, &sweep); err != nil {
		log.Fatalf("Failed to parse response from orchestrator: %v", err)
	}
	fmt.Printf("Sweep complete. Evicted %d expired entr(y/ies).\n", sweep.Evicted)
}

func runCacheInvalidate(cmd *cobra.Command, args []string) {
	baseURL := getOrchestratorBaseURL()
	fingerprint := args[0]
	orchestratorURL := fmt.Sprintf("%s/v1/cache/entries/%s", baseURL, url.PathEscape(fingerprint))

	req, err := http.NewRequest(http.MethodDelete, orchestratorURL, nil)
	if err != nil {
		log.Fatalf("Failed to create invalidate request: %v", err)
	}
	withAdminAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Failed to send invalidate request to orchestrator: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Orchestrator returned an error: (Status %d) %s", resp.StatusCode, string(bodyBytes))
	}

	fmt.Printf("Invalidated cache entry: %s\n", fingerprint)
}
