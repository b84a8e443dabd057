// Package karte is the public API for embedding the Karte patient-record
// query server.
//
// Embedding consumers construct and extend the server without forking it:
//
//	app, err := karte.New(
//	    karte.WithVersion(version),
//	    karte.WithLogger(logger),
//	    karte.WithEmbedder(myEmbedder),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: karte (root) imports
// internal/*, but internal/* never imports karte (root).
package karte

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/karte/internal/audit"
	"github.com/ashita-ai/karte/internal/auth"
	"github.com/ashita-ai/karte/internal/cache"
	"github.com/ashita-ai/karte/internal/config"
	"github.com/ashita-ai/karte/internal/emr"
	"github.com/ashita-ai/karte/internal/index"
	"github.com/ashita-ai/karte/internal/ingest"
	"github.com/ashita-ai/karte/internal/mcp"
	"github.com/ashita-ai/karte/internal/metastore"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/pipeline"
	"github.com/ashita-ai/karte/internal/ratelimit"
	"github.com/ashita-ai/karte/internal/retrieval"
	"github.com/ashita-ai/karte/internal/server"
	"github.com/ashita-ai/karte/internal/service/embedding"
	"github.com/ashita-ai/karte/internal/service/generation"
	"github.com/ashita-ai/karte/internal/telemetry"
)

// App is the Karte server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	srv          *server.Server
	store        metastore.Store
	vindex       index.VectorIndex
	flat         *index.FlatIndex // nil when Qdrant is configured
	auditLog     *audit.Logger
	limiter      ratelimit.Limiter
	sweeper      *cache.Sweeper
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Karte server: configuration, stores, the vector
// index, providers, the pipeline, and the HTTP surface. It does NOT start
// any goroutines or accept connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("karte starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	breakers := pipeline.NewBreakers(pipeline.DefaultBreakerConfig(), logger)

	store, err := newMetadataStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	vindex, flat, err := newVectorIndex(ctx, cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var embedder embedding.Provider
	if o.embedder != nil {
		embedder = &embedderAdapter{p: o.embedder}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}
	var generator generation.Provider
	if o.generator != nil {
		generator = &generatorAdapter{p: o.generator}
	} else {
		generator = newGenerationProvider(cfg, logger)
	}

	var source pipeline.RecordSource
	switch {
	case o.recordSource != nil:
		source = &recordSourceAdapter{rs: o.recordSource}
	case cfg.RecordSourceURL != "":
		source = emr.NewClient(cfg.RecordSourceURL, cfg.RecordSourceKey, cfg.RecordSourceSecret, logger)
	default:
		logger.Warn("no record source configured, indexing will return empty bundles")
		source = emptyRecordSource{}
	}

	// Every external dependency goes behind its circuit breaker; the
	// pipeline and ingest code stay breaker-unaware.
	guardedEmbedder := pipeline.GuardEmbedder(embedder, breakers)
	guardedGenerator := pipeline.GuardGenerator(generator, breakers)
	guardedIndex := pipeline.GuardVectorIndex(vindex, breakers)
	guardedStore := pipeline.GuardStore(store, breakers)
	guardedSource := pipeline.GuardRecordSource(source, breakers)

	embedCache := cache.NewTTL[[]float32]("embedding", cache.EmbeddingCapacity, cache.EmbeddingTTL, logger)
	queryCache := cache.NewTTL[model.UIResponse]("query_result", cache.QueryResultCapacity, cache.QueryResultTTL, logger)
	indexCache := cache.NewTTL[*retrieval.PatientIndex]("patient_index", cache.PatientIndexCapacity, cache.PatientIndexTTL, logger)
	indexes := cache.NewLoader(indexCache)
	sweeper := cache.NewSweeper(cfg.SweepInterval, logger, embedCache, queryCache, indexCache)

	auditLog, err := audit.NewLogger(cfg.AuditDir,
		model.PrivacyMode(strings.ToUpper(cfg.PrivacyMode)),
		cfg.AnonymizeAfter, cfg.AuditRingCapacity, logger)
	if err != nil {
		_ = vindex.Close()
		_ = store.Close()
		return nil, fmt.Errorf("audit: %w", err)
	}

	retriever := retrieval.NewRetriever(guardedStore, guardedIndex, guardedEmbedder, embedCache, indexes, logger)
	orchestrator := pipeline.NewOrchestrator(retriever, guardedGenerator, queryCache, auditLog, pipeline.Config{
		Deadline:        cfg.Deadline,
		DetailLevel:     cfg.DetailLevel,
		PipelineVersion: cfg.PipelineVersion,
	}, logger)

	ingestSvc := ingest.NewService(guardedSource, guardedEmbedder, guardedStore, guardedIndex,
		embedCache, queryCache, indexes, logger)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = auditLog.Close()
		_ = vindex.Close()
		_ = store.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}

	keyring, err := newKeyring(cfg, o)
	if err != nil {
		_ = auditLog.Close()
		_ = vindex.Close()
		_ = store.Close()
		return nil, err
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60.0, cfg.RateLimitPerMinute)
	}

	mcpServer := mcp.New(orchestrator, ingestSvc, logger)

	srv := server.New(server.Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		Version:      version,
		Orchestrator: orchestrator,
		Ingest:       ingestSvc,
		Records:      guardedSource,
		AuditLog:     auditLog,
		Breakers:     breakers,
		Store:        store,
		VectorIndex:  vindex,
		JWTMgr:       jwtMgr,
		Keyring:      keyring,
		Limiter:      limiter,
		MCPServer:    mcpServer.MCPServer(),
		Logger:       logger,
	})

	return &App{
		cfg:          cfg,
		srv:          srv,
		store:        store,
		vindex:       vindex,
		flat:         flat,
		auditLog:     auditLog,
		limiter:      limiter,
		sweeper:      sweeper,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background loops and the HTTP server, then blocks until
// ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	go a.sweeper.Run(ctx)
	if a.flat != nil && a.cfg.SnapshotInterval > 0 {
		go a.snapshotLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains HTTP, persists the flat index snapshot, flushes the
// audit log, and releases every handle.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("karte shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	if a.flat != nil {
		if err := a.flat.SaveSnapshot(); err != nil {
			a.logger.Error("index snapshot on shutdown failed", "error", err)
		}
	}

	if a.cfg.AuditFlushOnShutdown {
		if err := a.auditLog.Sync(); err != nil {
			a.logger.Error("audit flush on shutdown failed", "error", err)
		}
	}
	_ = a.auditLog.Close()

	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	_ = a.vindex.Close()
	_ = a.store.Close()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("karte stopped")
	return nil
}

// snapshotLoop persists the flat index periodically so a crash loses at
// most one interval of indexing work.
func (a *App) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.flat.SaveSnapshot(); err != nil {
				a.logger.Error("periodic index snapshot failed", "error", err)
			}
		}
	}
}

func newMetadataStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (metastore.Store, error) {
	switch cfg.MetadataStore {
	case "postgres":
		store, err := metastore.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("metastore: %w", err)
		}
		return store, nil
	default:
		store, err := metastore.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("metastore: %w", err)
		}
		return store, nil
	}
}

// newVectorIndex builds the configured index. For the flat index it tries
// the snapshot first and falls back to rebuilding from the metadata
// store's stored embeddings.
func newVectorIndex(ctx context.Context, cfg config.Config, store metastore.Store, logger *slog.Logger) (index.VectorIndex, *index.FlatIndex, error) {
	if cfg.VectorIndex == "qdrant" {
		qix, err := index.NewQdrant(index.QdrantConfig{
			URL:        cfg.QdrantURL,
			Collection: "karte_chunks",
			Dims:       uint64(cfg.EmbeddingDimensions),
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("index: %w", err)
		}
		return qix, nil, nil
	}

	flat, err := index.NewFlat(cfg.EmbeddingDimensions, cfg.SnapshotPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("index: %w", err)
	}
	loaded, err := flat.LoadSnapshot()
	if err != nil {
		logger.Warn("index snapshot unreadable, rebuilding from store", "error", err)
	}
	if !loaded {
		if err := rebuildFlatIndex(ctx, flat, store, logger); err != nil {
			return nil, nil, err
		}
	}
	return flat, flat, nil
}

// rebuildFlatIndex restores vectors from the metadata store when no
// snapshot exists (fresh host, or the Postgres backend is authoritative).
func rebuildFlatIndex(ctx context.Context, flat *index.FlatIndex, store metastore.Store, logger *slog.Logger) error {
	patients, err := store.Patients(ctx)
	if err != nil {
		return fmt.Errorf("index rebuild: list patients: %w", err)
	}
	total := 0
	for _, patientID := range patients {
		vectors, err := store.PatientVectors(ctx, patientID)
		if err != nil {
			return fmt.Errorf("index rebuild: vectors for %s: %w", patientID, err)
		}
		points := make([]index.Point, 0, len(vectors))
		for _, v := range vectors {
			if len(v.Vector) == 0 {
				continue
			}
			points = append(points, index.Point{ChunkID: v.ChunkID, PatientID: patientID, Vector: v.Vector})
		}
		if len(points) == 0 {
			continue
		}
		if err := flat.Upsert(ctx, points); err != nil {
			return fmt.Errorf("index rebuild: upsert for %s: %w", patientID, err)
		}
		total += len(points)
	}
	if total > 0 {
		logger.Info("vector index rebuilt from metadata store", "patients", len(patients), "vectors", total)
	}
	return nil
}

func newKeyring(cfg config.Config, o resolvedOptions) (*auth.Keyring, error) {
	creds := make([]auth.Credential, 0, len(o.credentials)+1)
	for _, c := range o.credentials {
		creds = append(creds, auth.Credential{UserID: c.UserID, Role: auth.Role(c.Role), KeyHash: c.APIKeyHash})
	}
	if cfg.AdminAPIKey != "" {
		hash, err := auth.HashAPIKey(cfg.AdminAPIKey)
		if err != nil {
			return nil, fmt.Errorf("auth: hash admin key: %w", err)
		}
		creds = append(creds, auth.Credential{UserID: "admin", Role: auth.RoleAdmin, KeyHash: hash})
	}
	return auth.NewKeyring(creds), nil
}

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.EmbeddingModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

func newGenerationProvider(cfg config.Config, logger *slog.Logger) generation.Provider {
	switch cfg.GenerationProvider {
	case "ollama":
		logger.Info("generation provider: ollama", "url", cfg.OllamaURL, "model", cfg.GenerationModel)
		return generation.NewOllamaProvider(cfg.OllamaURL, cfg.GenerationModel)
	case "noop":
		logger.Info("generation provider: noop (answers disabled, retrieval only)")
		return generation.NewNoopProvider()
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("generation provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.GenerationModel)
			return generation.NewOllamaProvider(cfg.OllamaURL, cfg.GenerationModel)
		}
		logger.Warn("no generation provider available, using noop (retrieval only)")
		return generation.NewNoopProvider()
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// emptyRecordSource satisfies the record source interface when no EMR is
// configured; queries still work against previously indexed data.
type emptyRecordSource struct{}

func (emptyRecordSource) GetAll(context.Context, string) (model.PatientBundle, error) {
	return model.PatientBundle{}, nil
}

func (emptyRecordSource) Fetch(context.Context, emr.RecordKind, string, emr.FetchOptions) ([]map[string]any, error) {
	return nil, nil
}

// HashAPIKey hashes an API key for Credential.APIKeyHash.
func HashAPIKey(apiKey string) (string, error) { return auth.HashAPIKey(apiKey) }

// ── Adapters bridging the public interfaces onto internal ones ─────────────

type embedderAdapter struct {
	p EmbeddingProvider
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.p.Embed(ctx, text)
}

func (a *embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return a.p.EmbedBatch(ctx, texts)
}

func (a *embedderAdapter) Dimensions() int { return a.p.Dimensions() }
func (a *embedderAdapter) ModelID() string { return "external" }

type generatorAdapter struct {
	p GenerationProvider
}

func (a *generatorAdapter) Generate(ctx context.Context, system, user string, cfg generation.Config) (generation.Result, error) {
	out, err := a.p.Generate(ctx, system, user, GenerationOptions{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return generation.Result{}, err
	}
	return generation.Result{
		Text:         out.Text,
		Tokens:       out.Tokens,
		LatencyMS:    out.LatencyMS,
		Model:        out.Model,
		ModelVersion: out.ModelVersion,
	}, nil
}

func (a *generatorAdapter) ModelID() string { return a.p.ModelID() }

type recordSourceAdapter struct {
	rs RecordSource
}

func (a *recordSourceAdapter) GetAll(ctx context.Context, patientID string) (model.PatientBundle, error) {
	byKind, err := a.rs.FetchAll(ctx, patientID)
	if err != nil {
		return model.PatientBundle{}, err
	}
	return model.PatientBundle{
		CarePlans:    byKind[string(emr.KindCarePlans)],
		Medications:  byKind[string(emr.KindMedications)],
		Notes:        byKind[string(emr.KindNotes)],
		Allergies:    byKind[string(emr.KindAllergies)],
		Conditions:   byKind[string(emr.KindConditions)],
		Vitals:       byKind[string(emr.KindVitals)],
		Labs:         byKind[string(emr.KindLabs)],
		Appointments: byKind[string(emr.KindAppointments)],
		Documents:    byKind[string(emr.KindDocuments)],
		Tasks:        byKind[string(emr.KindTasks)],
	}, nil
}

func (a *recordSourceAdapter) Fetch(ctx context.Context, kind emr.RecordKind, patientID string, opts emr.FetchOptions) ([]map[string]any, error) {
	return a.rs.Fetch(ctx, string(kind), patientID, RecordFetchOptions{
		From:   opts.From,
		To:     opts.To,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}
