// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the MediQuery question-answering HTTP server.
//
// This is the main entry point for the containerized orchestrator service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12230)
//   - LOG_LEVEL: minimum log level - debug, info, warn, error (default: info)
//   - MEDIQUERY_LOG_DIR: directory for daily JSON log files (default: stderr only)
//   - LLM_BACKEND_TYPE: generative provider - ollama, openai, claude (default: ollama)
//   - LLM_FAST_MODEL: model for classification-grade calls (default: gemma3:4b)
//   - LLM_STRONG_MODEL: model for drafting and verification (default: gpt-oss)
//   - DATA_DIR: root for session and cache storage (default: ./data)
//   - ADMIN_KEY: bearer key for destructive endpoints (default: open)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional)
//   - TABULAR_BASE_URL, TABULAR_API_KEY: structured medicine store (optional)
//   - NEWS_BASE_URL, NEWS_CLIENT_ID, NEWS_CLIENT_SECRET: news search (optional)
//   - VIDEO_BASE_URL, VIDEO_API_KEY: video transcripts (optional)
//   - WEB_BASE_URL, WEB_API_KEY: web search (optional)
//   - LEXICON_PATH: product-name lexicon file, hot-reloaded (optional)
//   - TURN_TIMEOUT: end-to-end budget per question (default: 90s)
//   - ARCHIVE_RETENTION: how long archived sessions stay in Weaviate (default: 2160h)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector, or "stdout" for local
//     span dumps (default: mediquery-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	./orchestrator
//
//	# Or via container
//	podman-compose up orchestrator
package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AleutianAI/MediQuery/pkg/logging"
	"github.com/AleutianAI/MediQuery/services/orchestrator"
)

func main() {
	// Structured logging: JSON for the collector, optionally a daily
	// file. Installed as the process default so every package shares it.
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		LogDir:  os.Getenv("MEDIQUERY_LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Build configuration from environment variables
	cfg := orchestrator.Config{
		Port:             getEnvInt("ORCHESTRATOR_PORT", 12230),
		LLMBackend:       getEnvString("LLM_BACKEND_TYPE", "ollama"),
		FastModel:        os.Getenv("LLM_FAST_MODEL"),
		StrongModel:      os.Getenv("LLM_STRONG_MODEL"),
		DataDir:          getEnvString("DATA_DIR", "./data"),
		AdminKey:         os.Getenv("ADMIN_KEY"),
		WeaviateURL:      os.Getenv("WEAVIATE_SERVICE_URL"),
		TabularBaseURL:   os.Getenv("TABULAR_BASE_URL"),
		TabularAPIKey:    os.Getenv("TABULAR_API_KEY"),
		ChemicalBaseURL:  os.Getenv("CHEMICAL_BASE_URL"),
		NewsBaseURL:      os.Getenv("NEWS_BASE_URL"),
		NewsClientID:     os.Getenv("NEWS_CLIENT_ID"),
		NewsClientSecret: os.Getenv("NEWS_CLIENT_SECRET"),
		VideoBaseURL:     os.Getenv("VIDEO_BASE_URL"),
		VideoAPIKey:      os.Getenv("VIDEO_API_KEY"),
		WebBaseURL:       os.Getenv("WEB_BASE_URL"),
		WebAPIKey:        os.Getenv("WEB_API_KEY"),
		LexiconPath:      os.Getenv("LEXICON_PATH"),
		TurnTimeout:      getEnvDuration("TURN_TIMEOUT", 0),
		ArchiveRetention: getEnvDuration("ARCHIVE_RETENTION", 0),
		OTelEndpoint:     getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "mediquery-otel-collector:4317"),
	}

	slog.Info("Starting MediQuery orchestrator",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"weaviate_url", cfg.WeaviateURL,
		"data_dir", cfg.DataDir,
	)

	svc, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Drain in-flight turns and flush state on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		slog.Info("Shutting down", "signal", sig.String())
		svc.Close()
	}()

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("Ignoring unparseable duration", "key", key, "value", value)
	}
	return defaultValue
}
