package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/MediQuery/pkg/ux"
	"github.com/AleutianAI/MediQuery/pkg/validation"
	"github.com/AleutianAI/MediQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/MediQuery/services/orchestrator/handlers"
)

func runEvaluation(cmd *cobra.Command, _ []string) {
	// 1. Get the config file path from flags
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		slog.Error("Please provide a scenario file using --config (e.g., --config scenarios/analgesics_smoke.yaml)")
		return
	}

	// 2. Read and Parse the Scenario File
	data, err := os.ReadFile(configPath)
	if err != nil {
		slog.Error("Failed to read config file", "path", configPath, "error", err)
		return
	}

	var scenario datatypes.EvalScenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		slog.Error("Failed to parse YAML config", "error", err)
		return
	}
	if err := scenario.Validate(); err != nil {
		slog.Error("Scenario file is invalid", "error", err)
		return
	}

	// 3. Generate a Unique Run ID
	// Format: {ScenarioID}_v{Version}_{Timestamp}
	timestamp := time.Now().Format("20060102_150405")
	runID := fmt.Sprintf("%s_v%s_%s", scenario.Metadata.ID, scenario.Metadata.Version, timestamp)

	fmt.Printf("\nStarting Evaluation Run: %s\n", runID)
	fmt.Printf("   Scenario:   %s (v%s)\n", scenario.Metadata.ID, scenario.Metadata.Version)
	fmt.Printf("   Cases:      %d\n", len(scenario.Cases))
	fmt.Printf("   Target:     %s\n", getOrchestratorBaseURL())
	fmt.Println("---------------------------------------------------")

	// 4. Initialize Evaluator
	evaluator, err := handlers.NewEvaluator()
	if err != nil {
		slog.Error("Failed to create evaluator", "error", err)
		return
	}
	defer func() {
		if closeErr := evaluator.Close(); closeErr != nil {
			slog.Warn("Failed to close evaluator", "error", closeErr)
		}
	}()

	// 5. Execute the Run using RunScenario
	ctx := context.Background()
	summary, err := evaluator.RunScenario(ctx, &scenario, runID)
	if err != nil {
		slog.Error("Evaluation failed", "error", err)
		return
	}

	fmt.Println()
	ux.Summary(summary.Passed, summary.Failed, summary.Total)
	fmt.Printf("   Run ID:  %s\n", runID)
	fmt.Printf("   Elapsed: %s\n", summary.Elapsed.Round(time.Millisecond))
	if summary.Failed > 0 {
		fmt.Printf("\nExport details with: mediquery evaluate export %s\n", runID)
	}
}

func runExport(cmd *cobra.Command, args []string) {
	// The run id goes straight into a Flux query string below, so it is
	// validated before anything is interpolated.
	runID, err := validation.SanitizeRunID(args[0])
	if err != nil {
		ux.Error(fmt.Sprintf("Bad run id: %v", err))
		return
	}

	outputFlag, _ := cmd.Flags().GetString("output")

	// Default filename
	defaultName := fmt.Sprintf("evaluation_%s.csv", runID)
	var outputFile string

	if outputFlag == "" {
		outputFile = defaultName
	} else {
		// Check if the provided path is an existing directory
		info, err := os.Stat(outputFlag)
		if err == nil && info.IsDir() {
			// User provided a folder (e.g., ~/Desktop/), so append the filename
			outputFile = filepath.Join(outputFlag, defaultName)
		} else {
			// User provided a full file path (e.g., ~/Desktop/my_results.csv)
			outputFile = outputFlag
		}
	}

	fmt.Printf("Exporting results for Run ID: %s to %s...\n", runID, outputFile)

	// 1. Connect to InfluxDB (Localhost from CLI)
	influxURL := os.Getenv("INFLUXDB_URL")
	if influxURL == "" {
		influxURL = "http://localhost:8086"
	}
	token := os.Getenv("INFLUXDB_TOKEN")
	if token == "" {
		ux.Error("INFLUXDB_TOKEN not set. Export needs read access to the evaluation bucket.")
		return
	}
	client := influxdb2.NewClient(influxURL, token)
	defer client.Close()

	org := os.Getenv("INFLUXDB_ORG")
	if org == "" {
		org = "aleutian-health"
	}
	bucket := os.Getenv("INFLUXDB_BUCKET")
	if bucket == "" {
		bucket = "mediquery-evaluations"
	}
	queryAPI := client.QueryAPI(org)

	// 2. Query Data
	// Pivot fields so we get a proper table structure
	query := fmt.Sprintf(`
		from(bucket: "%s")
		  |> range(start: -1y)
		  |> filter(fn: (r) => r["_measurement"] == "qa_evaluations")
		  |> filter(fn: (r) => r["run_id"] == "%s")
		  |> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
		  |> sort(columns: ["_time"])
	`, bucket, runID)

	result, err := queryAPI.Query(context.Background(), query)
	if err != nil {
		slog.Error("InfluxDB query failed", "error", err)
		return
	}

	// 3. Create CSV
	f, err := os.Create(outputFile)
	if err != nil {
		slog.Error("Failed to create output file", "error", err)
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			slog.Warn("Failed to close output file", "error", closeErr)
		}
	}()

	writer := csv.NewWriter(f)
	defer writer.Flush()

	// 4. Write Header
	header := []string{
		"Time", "Scenario", "Case", "Route", "State", "Passed", "Latency_ms",
		"Requeried", "Conflicts", "Claims_checked", "Claims_unsupported",
		"Claims_contradicted", "Answer_len", "Failures",
	}
	if err := writer.Write(header); err != nil {
		slog.Error("Failed to write CSV header", "error", err)
		return
	}

	// 5. Write Rows
	count := 0
	for result.Next() {
		r := result.Record()

		// Helpers for safe value extraction
		getString := func(k string) string {
			if v, ok := r.ValueByKey(k).(string); ok {
				return v
			}
			return ""
		}
		getInt := func(k string) string {
			if v, ok := r.ValueByKey(k).(int64); ok {
				return fmt.Sprintf("%d", v)
			}
			return "0"
		}
		getBool := func(k string) string {
			if v, ok := r.ValueByKey(k).(bool); ok {
				return fmt.Sprintf("%t", v)
			}
			return "false"
		}

		row := []string{
			r.Time().Format(time.RFC3339),
			getString("scenario"),
			getString("case"),
			getString("route"),
			getString("state"),
			getBool("passed"),
			getInt("latency_ms"),
			getBool("requeried"),
			getInt("conflicts"),
			getInt("claims_checked"),
			getInt("claims_unsupported"),
			getInt("claims_contradicted"),
			getInt("answer_len"),
			getString("failures"),
		}
		if err := writer.Write(row); err != nil {
			slog.Error("Failed to write CSV row", "error", err)
			return
		}
		count++
	}

	if result.Err() != nil {
		slog.Error("Error reading query results", "error", result.Err())
		return
	}

	fmt.Printf("Export complete: %d rows written to %s\n", count, outputFile)
}
