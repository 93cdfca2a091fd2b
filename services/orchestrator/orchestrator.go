// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the HTTP service wrapping the MediQuery
// question pipeline.
//
// This package contains the main service type that assembles every
// component of the system: the preprocessing lexicon, the router, the
// evidence adapters, the merge and verification stages, session state,
// the evidence cache, and observability infrastructure.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12230, LLMBackend: "ollama"}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// Evidence backends are optional. An adapter is only registered when its
// configuration is present; questions whose retrieval plan touches an
// unregistered backend report that source as skipped instead of failing
// the turn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/MediQuery/pkg/secure"
	"github.com/AleutianAI/MediQuery/services/llm"
	"github.com/AleutianAI/MediQuery/services/orchestrator/observability"
	"github.com/AleutianAI/MediQuery/services/orchestrator/routes"
	"github.com/AleutianAI/MediQuery/services/pipeline/adapters"
	"github.com/AleutianAI/MediQuery/services/pipeline/cache"
	"github.com/AleutianAI/MediQuery/services/pipeline/datatypes"
	"github.com/AleutianAI/MediQuery/services/pipeline/engine"
	"github.com/AleutianAI/MediQuery/services/pipeline/merge"
	"github.com/AleutianAI/MediQuery/services/pipeline/preprocess"
	"github.com/AleutianAI/MediQuery/services/pipeline/reasoner"
	"github.com/AleutianAI/MediQuery/services/pipeline/retrieval"
	"github.com/AleutianAI/MediQuery/services/pipeline/route"
	"github.com/AleutianAI/MediQuery/services/pipeline/session"
	"github.com/AleutianAI/MediQuery/services/pipeline/verify"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Description
//
// Service abstracts the orchestrator lifecycle, enabling testing and
// alternative implementations. The interface follows the minimal surface
// area principle - only essential lifecycle methods are exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
//   - Run() is called at most once per Service instance
//   - Close() is called exactly once after Run() returns or from a
//     signal handler
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	//
	// # Description
	//
	// Starts the HTTP server on the configured port. This method blocks
	// until Close() shuts the server down or the listener fails.
	//
	// # Outputs
	//
	//   - error: Non-nil if the server fails to start or dies. A
	//     shutdown triggered by Close() returns nil.
	Run() error

	// Router returns the underlying Gin engine for testing.
	//
	// # Description
	//
	// Provides access to the configured Gin router, primarily for
	// integration testing where direct HTTP calls are needed.
	//
	// # Assumptions
	//
	//   - Caller will not modify the router
	Router() *gin.Engine

	// Close drains the HTTP server and releases all held resources:
	// background sweepers, the session store, the evidence cache, the
	// trace exporter, and locked answer memory.
	Close()
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes all configuration for the orchestrator service.
// Values can be populated from environment variables, config files,
// or programmatically for testing.
//
// # Required Fields
//
// None - all fields have sensible defaults. Evidence backends without
// configuration are simply not registered.
//
// # Examples
//
//	// Minimal config (uses all defaults)
//	cfg := Config{}
//
//	// Custom port and LLM backend
//	cfg := Config{
//	    Port:       8080,
//	    LLMBackend: "openai",
//	}
type Config struct {
	// Port is the HTTP server port. Default: 12230
	Port int

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string

	// OTelEndpoint is the OpenTelemetry collector endpoint, or "stdout"
	// to print spans locally instead of exporting them.
	// Default: "mediquery-otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics enables the Prometheus metrics endpoint.
	// Default: true
	EnableMetrics bool

	// DataDir is the root directory for on-disk state. Session history
	// persists under DataDir/sessions and the evidence cache under
	// DataDir/cache. Default: "./data"
	DataDir string

	// AdminKey guards destructive endpoints (session deletion, cache
	// administration). Empty leaves them open, which suits local
	// single-user deployments.
	AdminKey string

	// LLMBackend specifies the generative provider.
	// Valid values: "ollama", "openai", "claude", "anthropic"
	// Default: "ollama"
	LLMBackend string

	// FastModel serves classification, entity extraction, and name
	// translation. Default: "gemma3:4b"
	FastModel string

	// StrongModel serves drafting, claim verification, and conflict
	// reconciliation. Default: "gpt-oss"
	StrongModel string

	// WeaviateURL is the vector index URL. Empty disables the vector
	// evidence adapter. Example: "http://localhost:8080"
	WeaviateURL string

	// TabularBaseURL is the structured medicine store API root. Empty
	// disables the tabular adapter.
	TabularBaseURL string

	// TabularAPIKey authenticates against the structured store.
	TabularAPIKey string

	// ChemicalBaseURL is the compound database root. The public PubChem
	// endpoint needs no credentials, so this adapter is on by default.
	// Default: "https://pubchem.ncbi.nlm.nih.gov"
	ChemicalBaseURL string

	// NewsBaseURL, NewsClientID, and NewsClientSecret configure the news
	// search adapter. All three must be set to register it.
	NewsBaseURL      string
	NewsClientID     string
	NewsClientSecret string

	// VideoBaseURL and VideoAPIKey configure the video transcript
	// adapter. Both must be set to register it.
	VideoBaseURL string
	VideoAPIKey  string

	// WebBaseURL and WebAPIKey configure the web search adapter. Both
	// must be set to register it.
	WebBaseURL string
	WebAPIKey  string

	// LexiconPath points at a product-name lexicon file, watched and
	// hot-reloaded on change. Empty uses the built-in seed lexicon.
	LexiconPath string

	// TurnTimeout bounds one question end to end. A turn that overruns
	// answers from whatever evidence arrived in time. Default: 90s
	TurnTimeout time.Duration

	// SessionIdleTTL is how long an idle session stays in memory before
	// the sweeper evicts it to the store. Default: 30m
	SessionIdleTTL time.Duration

	// SweepInterval is the cadence of the background session sweep.
	// Default: 5m
	SweepInterval time.Duration

	// ArchiveRetention bounds how long archived sessions stay in the
	// vector index; a periodic prune removes older objects. Zero uses
	// the default of 90 days, negative keeps archives forever. Only
	// meaningful when Weaviate is configured.
	ArchiveRetention time.Duration
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Description
//
// service is the main implementation that coordinates:
//   - HTTP routing via Gin
//   - The question pipeline engine and its stages
//   - Session persistence and the evidence cache (BadgerDB)
//   - Optional Weaviate integration for the vector adapter and the
//     session archive
//   - OpenTelemetry tracing
//   - Prometheus metrics
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config         Config
	router         *gin.Engine
	httpServer     *http.Server
	engine         *engine.Engine
	manager        *session.Manager
	store          session.Store
	evidenceCache  *cache.Cache
	lexicon        *preprocess.Lexicon
	weaviateClient *weaviate.Client
	archiver       *session.Archiver
	tracerCleanup  func(context.Context)
	cancelBg       context.CancelFunc
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all orchestrator components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Opens the session store and evidence cache
//  5. Creates LLM clients and the two-model reasoner
//  6. Loads the product lexicon
//  7. Registers every configured evidence adapter
//  8. Assembles the pipeline engine
//  9. Starts background sweepers and sets up HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service
//   - error: Non-nil if initialization fails
//
// # Examples
//
//	cfg := Config{Port: 12230, LLMBackend: "ollama"}
//	svc, err := New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// # Assumptions
//
//   - Environment variables are set for the chosen LLM provider
//   - DataDir is writable
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	// Initialize OpenTelemetry tracer
	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	// Initialize Prometheus metrics
	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for the pipeline")
	}

	// Initialize Weaviate client (optional)
	if err := s.initWeaviate(); err != nil {
		slog.Warn("Weaviate initialization failed, vector evidence disabled",
			"error", err)
		// Not fatal - continue without the vector adapter
	}

	// Open persistent state
	if err := s.initStores(); err != nil {
		s.cleanup()
		return nil, err
	}

	// Assemble the pipeline
	if err := s.initPipeline(); err != nil {
		s.cleanup()
		return nil, err
	}

	// Background maintenance
	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancelBg = cancel
	go s.manager.SweepLoop(bgCtx, s.config.SweepInterval)
	go s.evidenceCache.RunSweeper(bgCtx)
	if s.archiver != nil && s.config.ArchiveRetention > 0 {
		go s.archiveRetentionLoop(bgCtx)
	}
	if s.config.LexiconPath != "" {
		go func() {
			if err := s.lexicon.Watch(bgCtx, time.Second); err != nil {
				slog.Warn("lexicon watch stopped", "error", err)
			}
		}()
	}

	// Setup HTTP router
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
//
// # Description
//
// Starts the HTTP server on the configured port. Blocks until the
// listener fails or Close() drains the server. A clean shutdown via
// Close() returns nil.
func (s *service) Run() error {
	slog.Info("Starting orchestrator server", "port", s.config.Port)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close drains the HTTP server, then releases every held resource.
func (s *service) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}
	s.cleanup()
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12230
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "mediquery-otel-collector:4317"
	}
	// EnableMetrics defaults to true (zero value is false, so we need
	// an explicit override here).
	cfg.EnableMetrics = true

	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "ollama"
	}
	if cfg.FastModel == "" {
		cfg.FastModel = "gemma3:4b"
	}
	if cfg.StrongModel == "" {
		cfg.StrongModel = "gpt-oss"
	}
	if cfg.ChemicalBaseURL == "" {
		cfg.ChemicalBaseURL = "https://pubchem.ncbi.nlm.nih.gov"
	}
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = 90 * time.Second
	}
	if cfg.SessionIdleTTL == 0 {
		cfg.SessionIdleTTL = 30 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.ArchiveRetention == 0 {
		cfg.ArchiveRetention = 90 * 24 * time.Hour
	}

	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up OTLP trace exporter to send spans to the configured collector.
// Setting the endpoint to "stdout" writes spans to standard output
// instead, which is how turns are inspected during local development
// without a collector container.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	var traceExporter sdktrace.SpanExporter
	if s.config.OTelEndpoint == "stdout" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		traceExporter = exp
	} else {
		conn, err := grpc.NewClient(s.config.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		traceExporter = exp
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("mediquery-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initWeaviate initializes the Weaviate vector database client.
//
// # Description
//
// Creates a Weaviate client if WeaviateURL is configured. Validates the
// URL format. The client backs the vector evidence adapter and session
// archiving.
//
// # Limitations
//
//   - Returns nil error if WeaviateURL is empty (optional dependency)
func (s *service) initWeaviate() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("Weaviate URL not configured, vector evidence disabled")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	clientConf := weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	}

	s.weaviateClient, err = weaviate.NewClient(clientConf)
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	slog.Info("Weaviate client initialized", "url", weaviateURL)

	return nil
}

// initStores opens the session store and the evidence cache.
func (s *service) initStores() error {
	store, err := session.OpenBadger(session.DefaultBadgerConfig(
		filepath.Join(s.config.DataDir, "sessions")))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	s.store = store

	evidenceCache, err := cache.Open(cache.DefaultConfig(
		filepath.Join(s.config.DataDir, "cache")))
	if err != nil {
		return fmt.Errorf("failed to open evidence cache: %w", err)
	}
	s.evidenceCache = evidenceCache

	return nil
}

// initLLMClients creates the fast and strong generative clients.
//
// # Description
//
// The pipeline splits generative work across two models: a small fast
// one for classification-grade calls and a stronger one for drafting
// and verification. Both come from the same backend.
//
// # Limitations
//
//   - Only supports: ollama, openai, claude/anthropic
func (s *service) initLLMClients() (fast, strong llm.LLMClient, err error) {
	switch s.config.LLMBackend {
	case "ollama":
		slog.Info("Using Ollama LLM backend",
			"fast", s.config.FastModel, "strong", s.config.StrongModel)
		fast, err = llm.NewOllamaClient(s.config.FastModel)
		if err != nil {
			return nil, nil, err
		}
		strong, err = llm.NewOllamaClient(s.config.StrongModel)
	case "openai":
		slog.Info("Using OpenAI LLM backend",
			"fast", s.config.FastModel, "strong", s.config.StrongModel)
		fast, err = llm.NewOpenAIClient(s.config.FastModel)
		if err != nil {
			return nil, nil, err
		}
		strong, err = llm.NewOpenAIClient(s.config.StrongModel)
	case "claude", "anthropic":
		slog.Info("Using Anthropic (Claude) LLM backend",
			"fast", s.config.FastModel, "strong", s.config.StrongModel)
		fast, err = llm.NewAnthropicClient(s.config.FastModel)
		if err != nil {
			return nil, nil, err
		}
		strong, err = llm.NewAnthropicClient(s.config.StrongModel)
	default:
		return nil, nil, fmt.Errorf("unknown LLM backend: %q", s.config.LLMBackend)
	}
	return fast, strong, err
}

// buildAdapters registers every evidence adapter whose configuration is
// present. Absent backends degrade to per-source skipped status at
// retrieval time rather than failing construction.
func (s *service) buildAdapters(rsn *reasoner.LLMReasoner) []adapters.Adapter {
	var list []adapters.Adapter

	if s.config.TabularBaseURL != "" {
		list = append(list, adapters.NewTabularAdapter(adapters.TabularConfig{
			BaseURL: s.config.TabularBaseURL,
			APIKey:  s.config.TabularAPIKey,
		}))
	}
	if s.config.ChemicalBaseURL != "" {
		list = append(list, adapters.NewChemicalAdapter(adapters.ChemicalConfig{
			BaseURL:   s.config.ChemicalBaseURL,
			Translate: rsn.TranslateName,
		}))
	}
	if s.weaviateClient != nil {
		list = append(list, adapters.NewVectorAdapter(adapters.VectorConfig{
			Client: s.weaviateClient,
		}))
	}
	if s.config.NewsBaseURL != "" && s.config.NewsClientID != "" && s.config.NewsClientSecret != "" {
		list = append(list, adapters.NewNewsAdapter(adapters.NewsConfig{
			BaseURL:      s.config.NewsBaseURL,
			ClientID:     s.config.NewsClientID,
			ClientSecret: s.config.NewsClientSecret,
		}))
	}
	if s.config.VideoBaseURL != "" && s.config.VideoAPIKey != "" {
		list = append(list, adapters.NewVideoAdapter(adapters.VideoConfig{
			BaseURL: s.config.VideoBaseURL,
			APIKey:  s.config.VideoAPIKey,
		}))
	}
	if s.config.WebBaseURL != "" && s.config.WebAPIKey != "" {
		list = append(list, adapters.NewWebAdapter(adapters.WebConfig{
			BaseURL: s.config.WebBaseURL,
			APIKey:  s.config.WebAPIKey,
		}))
	}

	kinds := make([]string, 0, len(list))
	for _, a := range list {
		kinds = append(kinds, string(a.Kind()))
	}
	slog.Info("Registered evidence adapters", "kinds", kinds)

	return list
}

// initPipeline assembles the question engine from its stages.
func (s *service) initPipeline() error {
	fast, strong, err := s.initLLMClients()
	if err != nil {
		return fmt.Errorf("failed to initialize LLM clients: %w", err)
	}

	rsn := reasoner.New(fast, strong, reasoner.WithCache(s.evidenceCache))

	if s.config.LexiconPath != "" {
		s.lexicon, err = preprocess.LoadLexicon(s.config.LexiconPath, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to load lexicon: %w", err)
		}
	} else {
		s.lexicon = preprocess.DefaultLexicon(slog.Default())
	}

	managerOpts := []session.ManagerOption{
		session.WithIdleTTL(s.config.SessionIdleTTL),
	}
	if s.weaviateClient != nil {
		s.archiver = session.NewArchiver(s.weaviateClient, slog.Default())
		schemaCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		serr := s.archiver.EnsureSchema(schemaCtx)
		cancel()
		if serr != nil {
			slog.Warn("archive schema setup failed, session archiving disabled",
				"error", serr)
			s.archiver = nil
		} else {
			managerOpts = append(managerOpts,
				session.WithEvictHook(s.archiveEvicted),
				session.WithDeleteHook(s.purgeArchive))
		}
	}
	s.manager = session.NewManager(s.store, managerOpts...)

	s.engine, err = engine.New(engine.Config{
		Preprocessor: preprocess.New(s.lexicon, rsn),
		Router:       route.New(rsn),
		Coordinator: retrieval.New(s.buildAdapters(rsn),
			retrieval.WithCache(s.evidenceCache)),
		Merger:   merge.New(merge.WithReasoner(rsn)),
		Verifier: verify.New(verify.WithReasoner(rsn)),
		Reasoner: rsn,
		Sessions: s.manager,
	}, engine.WithTurnTimeout(s.config.TurnTimeout))
	if err != nil {
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}

	return nil
}

// archivePruneInterval is the cadence of the archive retention pass.
const archivePruneInterval = 6 * time.Hour

// archiveEvicted copies a session the sweeper dropped from memory into
// the vector index. Runs off every request path; a failure costs the
// cold copy only, the store still has the turns.
func (s *service) archiveEvicted(sess *datatypes.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.archiver.ArchiveSession(ctx, sess); err != nil {
		slog.Warn("session archive failed", "session_id", sess.ID, "error", err)
	}
}

// purgeArchive removes a deleted session's archived copies.
func (s *service) purgeArchive(ctx context.Context, sessionID string) {
	// Finish the purge even if the caller hangs up mid-request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.archiver.DeleteSessionArchive(ctx, sessionID); err != nil {
		slog.Warn("archive purge failed", "session_id", sessionID, "error", err)
	}
}

// archiveRetentionLoop prunes expired archive objects until the context
// ends.
func (s *service) archiveRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(archivePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
			n, err := s.archiver.PruneArchive(pruneCtx, s.config.ArchiveRetention)
			cancel()
			if err != nil {
				slog.Warn("archive prune failed", "error", err)
			} else if n > 0 {
				slog.Info("pruned expired archive objects", "count", n)
			}
		}
	}
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("mediquery-orchestrator"))

	routes.SetupRoutes(s.router, s.engine, s.manager, s.store,
		s.evidenceCache, s.config.AdminKey)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}
}

// cleanup releases all resources held by the service.
//
// # Description
//
// Called by Close() and on construction failure. Stops background
// sweepers, closes both Badger stores, shuts down the tracer, and wipes
// locked answer memory.
func (s *service) cleanup() {
	if s.cancelBg != nil {
		s.cancelBg()
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("session store close error", "error", err)
		}
	}

	if s.evidenceCache != nil {
		if err := s.evidenceCache.Close(); err != nil {
			slog.Warn("evidence cache close error", "error", err)
		}
	}

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}

	secure.PurgeAll()
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
