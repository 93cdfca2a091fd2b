// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for MediQuery components.
//
// Every process in the system logs through the same layered setup:
//
//   - Default: stderr output, text for humans or JSON for collectors
//   - Optional: a daily log file with automatic directory creation
//   - Optional: a LogExporter that ships entries to external retention
//
// The package wraps the standard library slog rather than replacing it.
// Components that already hold a *slog.Logger keep working; Slog()
// hands back the underlying logger so it can be installed as the
// process default.
//
// # Basic Usage
//
// The CLI logs straight to stderr:
//
//	logger := logging.Default()
//	logger.Info("starting turn", "session_id", sessionID)
//
// # Service Usage
//
// The orchestrator runs with JSON output plus a daily file:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
//	    LogDir:  "~/.mediquery/logs",
//	    Service: "orchestrator",
//	    JSON:    true,
//	})
//	defer logger.Close() // flushes the file and any exporter
//	slog.SetDefault(logger.Slog())
//
// File names follow `{service}_{date}.log` and are always JSON.
//
// # Log Retention
//
// Answers in this system are health information, so deployments often
// have to keep a verifiable record of what was served. LogExporter is
// the hook for that: implement it to ship entries to object storage or
// an aggregation system, and pass it in Config. Export runs off the
// logging path and failures never disrupt the component being logged.
//
// # Log Levels
//
// Four levels, matching slog:
//
//   - Debug: development tracing
//   - Info: normal operation (turn started, session archived)
//   - Warn: recoverable trouble (adapter timeout, cache write failed)
//   - Error: an operation failed but the process continues
//
// # Thread Safety
//
// Logger is safe for concurrent use.
//
// # Security Considerations
//
// Nothing here redacts. Questions can contain personal health details,
// so callers log metadata, not content:
//
//	// BAD: the question body may identify the user
//	logger.Info("received question", "text", q.Raw)
//
//	// GOOD: shape only
//	logger.Info("received question", "bytes", len(q.Raw))
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level is log severity, ordered Debug < Info < Warn < Error. Setting a
// minimum level discards everything below it.
type Level int

const (
	// LevelDebug is development tracing.
	LevelDebug Level = iota

	// LevelInfo confirms normal operation.
	LevelInfo

	// LevelWarn flags something unexpected the system survived.
	LevelWarn

	// LevelError records a failed operation in a live process.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel bridges Level to the standard library.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a level name to a Level, case-insensitively. Empty or
// unrecognized input parses as Info, so a missing LOG_LEVEL variable is
// never an error.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value logs Info and above to
// stderr as text, which is what the CLI wants.
//
// The orchestrator container runs with:
//
//	Config{
//	    Level:   LevelInfo,
//	    Service: "orchestrator",
//	    JSON:    true,
//	}
//
// A deployment that has to retain its answer trail adds LogDir and an
// Exporter.
type Config struct {
	// Level is the minimum severity that gets through.
	// Default: LevelInfo
	Level Level

	// LogDir enables file logging. Logs go to both stderr and a file
	// named "{Service}_{YYYY-MM-DD}.log" inside it; the directory is
	// created with 0750 if missing. A leading ~ expands to the home
	// directory, so "~/.mediquery/logs" works from a unit file.
	// Default: "" (no file)
	LogDir string

	// Service names the component and is stamped on every entry as the
	// "service" attribute. The fleet uses "orchestrator", "cli", and
	// "evaluator".
	// Default: "" (no service attribute)
	Service string

	// JSON switches stderr output to JSON. File output is always JSON
	// regardless; files exist for machines.
	// Default: false (text)
	JSON bool

	// Quiet drops the stderr destination, leaving only the file and
	// the exporter. For processes whose stderr nobody watches.
	// Default: false
	Quiet bool

	// Exporter, when set, receives every entry at or above Level
	// asynchronously. This is the retention hook; see LogExporter.
	// Default: nil
	Exporter LogExporter
}

// =============================================================================
// Export Interface
// =============================================================================

// LogExporter ships log entries to an external system: object storage,
// an aggregator, or an OTLP collector. Deployments that must retain an
// audit trail of served answers implement this and hand it to Config.
//
// Implementations buffer internally and batch their uploads; Export is
// called once per entry with a short per-call timeout and its error is
// dropped, so a slow or failing destination cannot stall the component.
// Flush sends whatever is buffered and Close releases resources; both
// run during graceful shutdown, in that order.
type LogExporter interface {
	// Export takes one entry. The context carries a one-second
	// timeout; buffer and return rather than upload inline.
	Export(ctx context.Context, entry LogEntry) error

	// Flush drains the buffer. Called at shutdown with a five-second
	// timeout.
	Flush(ctx context.Context) error

	// Close releases connections and files, after Flush.
	Close() error
}

// LogEntry is the exported form of one log line. It carries everything
// a destination needs to reconstruct the record.
type LogEntry struct {
	// Timestamp is when the entry was produced.
	Timestamp time.Time

	// Level of the entry.
	Level Level

	// Message is the log message.
	Message string

	// Service comes from Config.Service.
	Service string

	// Attrs holds the key-value attributes. Values are whatever was
	// logged; exporters serializing to JSON get the usual slog types.
	Attrs map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger is a multi-destination structured logger: stderr, an optional
// daily file, and an optional exporter, all fed from one call site.
//
// Always Close a logger that has a file or exporter configured, or the
// tail of the log is lost:
//
//	logger := logging.New(cfg)
//	defer logger.Close()
//
// With() derives request-scoped children:
//
//	turnLogger := logger.With("session_id", id, "turn", seq)
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	exporter LogExporter
	mu       sync.Mutex
}

// New builds a Logger from the config. Destination setup is best
// effort: if the log directory cannot be created or the file cannot be
// opened, the logger silently runs without the file rather than taking
// the process down, and a Quiet config with no other destination falls
// back to stderr so logs never vanish entirely.
//
// Parameters:
//   - config: see Config; the zero value is valid
//
// Returns:
//   - *Logger: ready to use, Close when done
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	if !config.Quiet {
		var stderrHandler slog.Handler
		if config.JSON {
			stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			stderrHandler = slog.NewTextHandler(os.Stderr, opts)
		}
		handlers = append(handlers, stderrHandler)
	}

	logger := &Logger{
		config:   config,
		exporter: config.Exporter,
	}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "mediquery"
			}
			filename := fmt.Sprintf("%s_%s.log", serviceName, time.Now().Format("2006-01-02"))
			logPath := filepath.Join(logDir, filename)

			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				// Files are always JSON.
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns a stderr-only text logger at Info level with the
// service name "mediquery". Enough for CLI runs.
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "mediquery",
	})
}

// Debug logs at Debug level. Args are slog-style key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs at Info level.
//
//	logger.Info("turn finished",
//	    "session_id", id,
//	    "elapsed_ms", elapsed.Milliseconds(),
//	)
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs at Error level. The process is expected to continue; a
// caller that intends to exit pairs this with os.Exit.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a child logger carrying extra attributes on every entry.
// The parent is unchanged; file handle and exporter are shared, so
// Close on either closes both.
//
//	turnLogger := logger.With("session_id", id, "turn", seq)
//	turnLogger.Info("verifying draft")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog exposes the underlying slog.Logger, mainly so main() can install
// it with slog.SetDefault and every package logging through the default
// logger inherits the destinations.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes the exporter, closes it, syncs the log file, and closes
// that too, in that order. Safe when neither is configured.
//
// Returns:
//   - error: the first failure; the rest still run
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error

	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// log writes to slog and, when an exporter is configured, hands the
// entry off on a goroutine so the logging call never waits on export.
func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.exporter != nil && level >= l.config.Level {
		entry := LogEntry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = l.exporter.Export(ctx, entry)
		}()
	}
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans one record out to several slog handlers, which is
// how stderr text and file JSON coexist.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled reports whether any destination wants the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to every enabled destination.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs distributes the attributes to every destination.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup distributes the group to every destination.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath turns a leading ~ into the home directory. Other paths
// pass through untouched.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style key-value args into LogEntry.Attrs.
// Non-string keys and a trailing odd value are dropped, matching how
// slog treats malformed pairs as badly as it can afford to.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter discards every entry. Stands in where an exporter is
// required but retention is off.
type NopExporter struct{}

// Export discards the entry.
func (e *NopExporter) Export(ctx context.Context, entry LogEntry) error { return nil }

// Flush is a no-op.
func (e *NopExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *NopExporter) Close() error { return nil }

var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter keeps entries in memory. Tests use it to assert on
// what was logged:
//
//	exporter := logging.NewBufferedExporter()
//	logger := logging.New(logging.Config{Exporter: exporter})
//	logger.Info("swept cache", "evicted", 3)
//	entries := exporter.Entries()
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter builds an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{
		entries: make([]LogEntry, 0, 100),
	}
}

// Export appends the entry to the buffer.
func (e *BufferedExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush is a no-op; the buffer is the destination.
func (e *BufferedExporter) Flush(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (e *BufferedExporter) Close() error {
	return nil
}

// Entries returns a copy of everything collected so far.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]LogEntry, len(e.entries))
	copy(result, e.entries)
	return result
}

// WriterExporter formats entries onto an io.Writer, one line each.
type WriterExporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterExporter wraps the writer. The exporter does not own it;
// Close leaves it open.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

// Export writes one formatted line.
func (e *WriterExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "[%s] %s: %s %v\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.Level,
		entry.Message,
		entry.Attrs,
	)
	return err
}

// Flush is a no-op; writes are immediate.
func (e *WriterExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op; the writer stays with its owner.
func (e *WriterExporter) Close() error { return nil }
