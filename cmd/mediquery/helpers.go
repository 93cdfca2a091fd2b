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
	"fmt"
	"net/http"
	"os"
)

// Constants for default connection settings
const (
	DefaultOrchestratorPort = 12230
	DefaultOrchestratorHost = "localhost"
)

// getOrchestratorBaseURL returns the standard address for the orchestrator.
func getOrchestratorBaseURL() string {
	// 1. Priority: Environment Variable (Used by Tests & Docker overrides)
	if url := os.Getenv("MEDIQUERY_ORCHESTRATOR_URL"); url != "" {
		return url
	}
	// 2. Default: Standard Host/Port
	return fmt.Sprintf("http://%s:%d", DefaultOrchestratorHost, DefaultOrchestratorPort)
}

// withAdminAuth attaches the admin bearer key when ADMIN_KEY is set.
// The orchestrator leaves admin routes open when it runs without a key,
// so a missing variable is not an error here.
func withAdminAuth(req *http.Request) {
	if key := os.Getenv("ADMIN_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}
