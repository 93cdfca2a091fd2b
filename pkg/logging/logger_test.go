// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			if got := tt.level.toSlogLevel(); got != tt.want {
				t.Errorf("toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"Error", LevelError},
		{"  error  ", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		name := tt.in
		if name == "" {
			name = "empty"
		}
		t.Run(name, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_ZeroConfig(t *testing.T) {
	logger := New(Config{})
	defer logger.Close()
	if logger.slog == nil {
		t.Fatal("zero-config logger has no slog backend")
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	defer logger.Close()
	if logger.config.Service != "mediquery" {
		t.Errorf("default service = %q, want mediquery", logger.config.Service)
	}
}

func TestNew_QuietWithNoDestinationsStillLogs(t *testing.T) {
	// Quiet plus no file and no exporter would drop everything; the
	// constructor falls back to stderr instead.
	logger := New(Config{Quiet: true})
	defer logger.Close()
	if logger.slog == nil {
		t.Fatal("quiet logger lost its fallback handler")
	}
}

func TestNew_UnwritableLogDirDegradesToStderr(t *testing.T) {
	// A regular file where the directory should be makes MkdirAll fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatalf("seed blocker: %v", err)
	}

	logger := New(Config{
		LogDir:  filepath.Join(blocker, "logs"),
		Service: "orchestrator",
		Quiet:   true,
	})
	defer logger.Close()
	if logger.file != nil {
		t.Error("logger opened a file under an unusable directory")
	}
	// Logging must still be safe.
	logger.Info("still here")
}

// =============================================================================
// File Logging Tests
// =============================================================================

// readOnlyLogFile drains the single log file a test logger produced.
func readOnlyLogFile(t *testing.T, dir string) string {
	t.Helper()
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("log dir holds %d files, want 1", len(files))
	}
	raw, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(raw)
}

func TestFileLogging_WritesJSONWithServiceAttr(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		LogDir:  dir,
		Service: "orchestrator",
		Quiet:   true,
	})

	logger.Info("archived session", "session_id", "sess-9", "objects", 4)
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	content := readOnlyLogFile(t, dir)
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.SplitN(content, "\n", 2)[0]), &entry); err != nil {
		t.Fatalf("file line is not JSON: %v\n%s", err, content)
	}
	if entry["msg"] != "archived session" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["service"] != "orchestrator" {
		t.Errorf("service = %v", entry["service"])
	}
	if entry["session_id"] != "sess-9" {
		t.Errorf("session_id = %v", entry["session_id"])
	}
}

func TestFileLogging_DefaultServiceName(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	logger.Info("x")
	logger.Close()

	files, err := os.ReadDir(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("log dir state: files=%d err=%v", len(files), err)
	}
	if !strings.HasPrefix(files[0].Name(), "mediquery_") {
		t.Errorf("file %q does not use the default service name", files[0].Name())
	}
	if !strings.HasSuffix(files[0].Name(), ".log") {
		t.Errorf("file %q missing .log suffix", files[0].Name())
	}
}

func TestFileLogging_LevelFilter(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		LogDir:  dir,
		Service: "cli",
		Level:   LevelWarn,
		Quiet:   true,
	})

	logger.Debug("dropped debug")
	logger.Info("dropped info")
	logger.Warn("kept warn")
	logger.Error("kept error")
	logger.Close()

	content := readOnlyLogFile(t, dir)
	if strings.Contains(content, "dropped") {
		t.Errorf("sub-threshold entries reached the file:\n%s", content)
	}
	if !strings.Contains(content, "kept warn") || !strings.Contains(content, "kept error") {
		t.Errorf("threshold entries missing:\n%s", content)
	}
}

func TestWith_ChildCarriesAttrs(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "cli", Quiet: true})

	child := logger.With("session_id", "sess-w")
	child.Info("turn started")
	logger.Info("unscoped")
	logger.Close()

	lines := strings.Split(strings.TrimSpace(readOnlyLogFile(t, dir)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "sess-w") {
		t.Errorf("child line missing inherited attr: %s", lines[0])
	}
	if strings.Contains(lines[1], "sess-w") {
		t.Errorf("parent line picked up the child attr: %s", lines[1])
	}
}

// =============================================================================
// Exporter Tests
// =============================================================================

// waitForEntries polls the exporter until it holds n entries or the
// deadline passes. Export runs on its own goroutine, so tests wait.
func waitForEntries(t *testing.T, exp *BufferedExporter, n int) []LogEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entries := exp.Entries(); len(entries) >= n {
			return entries
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("exporter has %d entries, wanted %d", len(exp.Entries()), n)
	return nil
}

func TestExporter_ReceivesEntries(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Service: "orchestrator", Exporter: exp})
	defer logger.Close()

	logger.Info("cache swept", "evicted", 3)
	entries := waitForEntries(t, exp, 1)

	entry := entries[0]
	if entry.Message != "cache swept" {
		t.Errorf("message = %q", entry.Message)
	}
	if entry.Level != LevelInfo {
		t.Errorf("level = %v", entry.Level)
	}
	if entry.Service != "orchestrator" {
		t.Errorf("service = %q", entry.Service)
	}
	if entry.Attrs["evicted"] != 3 {
		t.Errorf("attrs = %v", entry.Attrs)
	}
	if entry.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestExporter_LevelFilter(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Level: LevelWarn, Exporter: exp})
	defer logger.Close()

	logger.Debug("below")
	logger.Info("below")
	logger.Warn("at threshold")

	entries := waitForEntries(t, exp, 1)
	// Give stray exports a moment to land before asserting the count.
	time.Sleep(20 * time.Millisecond)
	entries = exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("exported %d entries, want 1", len(entries))
	}
	if entries[0].Message != "at threshold" {
		t.Errorf("exported %q", entries[0].Message)
	}
}

func TestBufferedExporter_EntriesReturnsCopy(t *testing.T) {
	exp := NewBufferedExporter()
	_ = exp.Export(context.Background(), LogEntry{Message: "original"})

	got := exp.Entries()
	got[0].Message = "tampered"

	if exp.Entries()[0].Message != "original" {
		t.Error("Entries exposed the internal buffer")
	}
}

func TestWriterExporter_FormatsOneLine(t *testing.T) {
	var buf bytes.Buffer
	exp := NewWriterExporter(&buf)

	err := exp.Export(context.Background(), LogEntry{
		Timestamp: time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC),
		Level:     LevelWarn,
		Message:   "adapter timed out",
		Attrs:     map[string]any{"source": "news"},
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	line := buf.String()
	for _, want := range []string{"2026-02-14T09:30:00Z", "WARN", "adapter timed out", "news"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if exp.Flush(context.Background()) != nil || exp.Close() != nil {
		t.Error("flush/close should be no-ops")
	}
}

func TestNopExporter(t *testing.T) {
	var exp NopExporter
	if err := exp.Export(context.Background(), LogEntry{Message: "x"}); err != nil {
		t.Errorf("export: %v", err)
	}
	if err := exp.Flush(context.Background()); err != nil {
		t.Errorf("flush: %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	}}

	logger := slog.New(h)
	logger.Info("both destinations")

	if !strings.Contains(a.String(), "both destinations") {
		t.Error("first handler missed the record")
	}
	if !strings.Contains(b.String(), "both destinations") {
		t.Error("second handler missed the record")
	}
}

func TestMultiHandler_RespectsPerHandlerLevels(t *testing.T) {
	var verbose, terse bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&verbose, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&terse, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled should be true while any destination wants the level")
	}

	logger := slog.New(h)
	logger.Debug("noisy detail")

	if !strings.Contains(verbose.String(), "noisy detail") {
		t.Error("debug destination missed the record")
	}
	if terse.Len() != 0 {
		t.Errorf("error-only destination received: %s", terse.String())
	}
}

func TestMultiHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := &multiHandler{handlers: []slog.Handler{slog.NewJSONHandler(&buf, nil)}}

	h := base.WithAttrs([]slog.Attr{slog.String("service", "cli")}).WithGroup("turn")
	slog.New(h).Info("routed", "route", "medicine_info")

	out := buf.String()
	if !strings.Contains(out, `"service":"cli"`) {
		t.Errorf("attr lost: %s", out)
	}
	if !strings.Contains(out, "turn") || !strings.Contains(out, "medicine_info") {
		t.Errorf("group lost: %s", out)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~/.mediquery/logs", filepath.Join(home, ".mediquery/logs")},
		{"/var/log/mediquery", "/var/log/mediquery"},
		{"relative/logs", "relative/logs"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestArgsToMap(t *testing.T) {
	m := argsToMap([]any{"session_id", "sess-1", "turns", 7})
	if m["session_id"] != "sess-1" || m["turns"] != 7 {
		t.Errorf("map = %v", m)
	}

	// A dangling value and a non-string key are dropped, not panicked on.
	m = argsToMap([]any{"ok", true, 42, "ignored", "dangling"})
	if len(m) != 1 || m["ok"] != true {
		t.Errorf("malformed args produced %v", m)
	}

	if m := argsToMap(nil); len(m) != 0 {
		t.Errorf("nil args produced %v", m)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestClose_NoDestinations(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Errorf("close with nothing to release: %v", err)
	}
}

type failingExporter struct {
	NopExporter
}

func (f *failingExporter) Flush(ctx context.Context) error {
	return os.ErrClosed
}

func TestClose_ReportsExporterFlushFailure(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: &failingExporter{}})
	if err := logger.Close(); err == nil {
		t.Error("close swallowed the flush failure")
	}
}
