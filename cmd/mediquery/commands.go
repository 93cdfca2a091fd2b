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
	"github.com/AleutianAI/MediQuery/pkg/ux"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	askSessionID     string
	chatSessionID    string
	backupBucket     string
	backupProject    string
	backupKeyFile    string
	backupPrefix     string
	personalityLevel string // UX personality level (full/standard/minimal/machine)

	rootCmd = &cobra.Command{
		Use:   "mediquery",
		Short: "A cli to manage the MediQuery evidence-backed medicine QA service",
		Long: `MediQuery answers consumer medicine questions by retrieving evidence
				from multiple sources, merging it by trust, and verifying the
				drafted answer before delivery. This tool talks to a running
				orchestrator and manages its sessions, cache, and evaluations.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	// --- Ask ---
	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Asks a medicine question and prints the verified answer with its sources",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAsk, // Defined in cmd_ask.go
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Starts an interactive conversation that keeps its subject across questions",
		Args:  cobra.NoArgs,
		Run:   runChat, // Defined in cmd_chat.go
	}

	// --- Sessions ---
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Manage conversation sessions",
	}
	listSessionsCmd = &cobra.Command{
		Use:   "list",
		Short: "List all conversation sessions",
		Run:   runListSessions, // Defined in cmd_sessions.go
	}
	showSessionCmd = &cobra.Command{
		Use:   "show [session_id]",
		Short: "Show the turns of a specific conversation session",
		Args:  cobra.ExactArgs(1),
		Run:   runShowSession, // Defined in cmd_sessions.go
	}
	deleteSessionCmd = &cobra.Command{
		Use:   "delete [session_id]",
		Short: "Delete a specific conversation session",
		Args:  cobra.ExactArgs(1),
		Run:   runDeleteSession, // Defined in cmd_sessions.go
	}

	// --- Cache Admin ---
	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and administer the shared evidence cache",
	}
	cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache hit, miss, write, and eviction counters",
		Run:   runCacheStats, // Defined in cmd_cache.go
	}
	cacheSweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Evict expired cache entries immediately",
		Run:   runCacheSweep, // Defined in cmd_cache.go
	}
	cacheInvalidateCmd = &cobra.Command{
		Use:   "invalidate [fingerprint]",
		Short: "Drop a single cached result by fingerprint",
		Args:  cobra.ExactArgs(1),
		Run:   runCacheInvalidate, // Defined in cmd_cache.go
	}

	// --- Evaluation ---
	evaluationCmd = &cobra.Command{
		Use:   "evaluate",
		Short: "Run answer-quality evaluations against a live orchestrator",
	}
	runEvaluationCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the cases of a scenario file and score the answers",
		Run:   runEvaluation, // Defined in cmd_evaluation.go
	}
	exportEvaluationCmd = &cobra.Command{
		Use:   "export [run_id]",
		Short: "Export evaluation results to CSV",
		Args:  cobra.ExactArgs(1),
		Run:   runExport, // Defined in cmd_evaluation.go
	}

	// --- GCS ---
	backupCmd = &cobra.Command{
		Use:   "backup [local_directory]",
		Short: "Uploads a local data directory to Google Cloud Storage",
		Args:  cobra.ExactArgs(1),
		Run:   runBackup, // Defined in cmd_backup.go
	}
)

// init runs when the Go program starts
func init() {
	// Global UX personality flag
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default), standard, minimal, or machine (scripting)")

	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVar(&askSessionID, "session", "",
		"Continue an existing session so follow-up questions inherit the subject")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatSessionID, "session", "",
		"Resume an existing session instead of starting a new conversation")

	// session commands
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(listSessionsCmd)
	sessionCmd.AddCommand(showSessionCmd)
	sessionCmd.AddCommand(deleteSessionCmd)

	// cache administration commands
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheSweepCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)

	// evaluation commands
	rootCmd.AddCommand(evaluationCmd)
	evaluationCmd.AddCommand(runEvaluationCmd)
	runEvaluationCmd.Flags().String("config", "", "Path to scenario configuration file (YAML)")
	evaluationCmd.AddCommand(exportEvaluationCmd)
	exportEvaluationCmd.Flags().StringP("output", "o", "", "Output filename (default: evaluation_{RunID}.csv)")

	// GCS backup command
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().StringVar(&backupBucket, "bucket", "", "GCS bucket name (or GCS_BACKUP_BUCKET)")
	backupCmd.Flags().StringVar(&backupProject, "project", "", "GCP project id (or GCS_PROJECT_ID)")
	backupCmd.Flags().StringVar(&backupKeyFile, "key-file", "", "Service account key path (or GOOGLE_APPLICATION_CREDENTIALS)")
	backupCmd.Flags().StringVar(&backupPrefix, "prefix", "", "Object prefix inside the bucket (default: mediquery-backups)")
}
