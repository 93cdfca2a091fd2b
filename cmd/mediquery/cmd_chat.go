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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/MediQuery/pkg/ux"
	"github.com/spf13/cobra"
)

// runChat starts an interactive loop against the orchestrator. Unlike
// one-shot `ask`, the session id is carried automatically between
// questions, so the whole conversation shares one subject history.
func runChat(cmd *cobra.Command, args []string) {
	baseURL := getOrchestratorBaseURL()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := NewInteractiveInputReader(50)
	runner := NewHTTPChatRunner(baseURL, chatSessionID, reader)
	defer runner.Close()

	if err := runner.Run(ctx); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		ux.Error(fmt.Sprintf("Chat ended with an error: %v", err))
		return
	}
	ux.Muted("Goodbye.")
}
