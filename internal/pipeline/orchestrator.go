// Package pipeline binds the online stages into one orchestrated run per
// query: understanding, retrieval, generation, validation, confidence,
// provenance, response, audit. The orchestrator never returns an error to
// its caller; every failure becomes a (possibly partial) UIResponse with
// the error kind in its metadata.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/karte/internal/cache"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/query"
	"github.com/ashita-ai/karte/internal/service/generation"
	"github.com/ashita-ai/karte/internal/telemetry"
)

// DefaultDeadline bounds a query run when the caller sets none.
const DefaultDeadline = 6 * time.Second

// Retriever runs the retrieval pipeline for one structured query.
type Retriever interface {
	Retrieve(ctx context.Context, sq model.StructuredQuery, now time.Time) ([]model.RetrievalCandidate, error)
}

// AuditRecorder accepts the one audit entry every query produces.
type AuditRecorder interface {
	Record(entry model.AuditEntry) error
}

// Config is the orchestrator's fixed configuration.
type Config struct {
	Deadline        time.Duration
	DetailLevel     int
	PipelineVersion string
	Retry           RetryConfig
}

// Options tune a single Process call.
type Options struct {
	// Timeout overrides the configured deadline when positive.
	Timeout time.Duration
	// AuditDisabled skips the audit write. Off by default: every query is
	// audited unless the caller explicitly opts out (e.g. health probes).
	AuditDisabled bool
	SessionID     string
	UserID        string
	IP            string
	UserAgent     string
	// OnStage, when set, is called after each completed stage. The stream
	// endpoint uses it to emit per-stage events.
	OnStage func(stage string, elapsed time.Duration)
}

// Orchestrator runs the online pipeline. One instance serves all requests;
// per-request state lives on the stack of Process.
type Orchestrator struct {
	retriever  Retriever
	generator  generation.Provider
	queryCache *cache.TTLCache[model.UIResponse]
	audit      AuditRecorder
	cfg        Config
	logger     *slog.Logger

	stageDuration metric.Float64Histogram
	queryCounter  metric.Int64Counter
}

// NewOrchestrator wires the orchestrator. queryCache may be shared with the
// indexing path, which purges it after a re-index.
func NewOrchestrator(
	retriever Retriever,
	generator generation.Provider,
	queryCache *cache.TTLCache[model.UIResponse],
	auditLog AuditRecorder,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.DetailLevel == 0 {
		cfg.DetailLevel = 3
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	meter := telemetry.Meter("karte/pipeline")
	stageDur, _ := meter.Float64Histogram("karte.pipeline.stage.duration",
		metric.WithDescription("Per-stage wall clock (ms)"),
		metric.WithUnit("ms"),
	)
	queries, _ := meter.Int64Counter("karte.pipeline.queries",
		metric.WithDescription("Queries processed"),
	)
	return &Orchestrator{
		retriever:     retriever,
		generator:     generator,
		queryCache:    queryCache,
		audit:         auditLog,
		cfg:           cfg,
		logger:        logger,
		stageDuration: stageDur,
		queryCounter:  queries,
	}
}

// Process answers one clinician query. It always returns a UIResponse:
// complete on success, partial on deadline or dependency failure, and a
// "no matching records" answer when the filters exclude everything.
func (o *Orchestrator) Process(ctx context.Context, queryText, patientID string, opts Options) model.UIResponse {
	now := time.Now().UTC()
	state := newRequestState(now)

	deadline := o.cfg.Deadline
	if opts.Timeout > 0 {
		deadline = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var run runResult
	resp := o.run(ctx, state, queryText, patientID, now, opts, &run)
	resp.Metadata.TotalTimeMS = time.Since(now).Milliseconds()

	o.queryCounter.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(attribute.Bool("partial", resp.Metadata.Partial)))

	if !opts.AuditDisabled {
		o.writeAudit(state, queryText, patientID, opts, resp, run)
		if opts.OnStage != nil {
			opts.OnStage(StageAuditLogging, 0)
		}
	}
	return resp
}

// runResult holds the raw generator exchange for the audit entry; it is not
// part of the response.
type runResult struct {
	prompt    Prompt
	genResult generation.Result
	cacheHit  bool
}

func (o *Orchestrator) run(ctx context.Context, state *requestState, queryText, patientID string, now time.Time, opts Options, run *runResult) model.UIResponse {
	// Query understanding is pure and cannot fail.
	_ = o.stage(ctx, state, StageQueryUnderstanding, opts, func() error {
		sq := query.Understand(queryText, patientID, o.cfg.DetailLevel, now)
		state.structured = &sq
		return nil
	})
	sq := *state.structured

	// The query-result cache sits above the whole pipeline: an identical
	// question about the same patient inside the TTL is answered from
	// memory, but still audited.
	cacheKey := cache.QueryKey(queryText, patientID, sq.Filters)
	if cached, ok := o.queryCache.Get(ctx, cacheKey); ok {
		run.cacheHit = true
		cached.Metadata.Cached = true
		cached.Metadata.PerStageMS = state.stageMS
		o.logger.Debug("pipeline: query cache hit", "patient_id", patientID, "query_id", cached.QueryID)
		return cached
	}

	err := o.stage(ctx, state, StageRetrieval, opts, func() error {
		return WithRetry(ctx, o.cfg.Retry, o.logger, StageRetrieval, func() error {
			cands, err := o.retriever.Retrieve(ctx, sq, now)
			if err != nil {
				return err
			}
			state.candidates = cands
			return nil
		})
	})
	if err != nil {
		return o.fail(state, err, now)
	}
	if len(state.candidates) == 0 {
		return partialResponse(state, model.KindNoResults, now)
	}

	err = o.stage(ctx, state, StageGeneration, opts, func() error {
		prompt := PromptForIntent(sq, state.candidates)
		run.prompt = prompt

		var result generation.Result
		genErr := WithRetry(ctx, o.cfg.Retry, o.logger, StageGeneration, func() error {
			var err error
			result, err = o.generator.Generate(ctx, prompt.System, prompt.User, prompt.Config)
			return err
		})
		if genErr != nil {
			if model.KindOf(genErr) == model.KindInternal {
				return model.WrapErr(model.KindGenerator, "pipeline: generate", genErr)
			}
			return genErr
		}
		run.genResult = result

		out, err := ParseGeneratorOutput(result.Text)
		if err != nil {
			return err
		}
		state.generated = &out

		validation := ValidateCitations(out.Extractions, state.candidates)
		for _, issue := range validation.Issues {
			if issue.Warning {
				o.logger.Warn("pipeline: citation warning",
					"query_id", sq.QueryID, "chunk_id", issue.ChunkID, "code", issue.Code)
			} else {
				o.logger.Warn("pipeline: citation rejected",
					"query_id", sq.QueryID, "chunk_id", issue.ChunkID,
					"code", issue.Code, "detail", issue.Detail)
			}
		}
		state.validated = validation.Kept
		if len(out.Extractions) > 0 && len(validation.Kept) == 0 {
			// Every citation failed: the answer cannot be trusted.
			return model.Errorf(model.KindInvalidCitation,
				"pipeline: all %d extractions failed citation validation", len(out.Extractions))
		}
		return nil
	})
	if err != nil {
		if model.KindOf(err) == model.KindInvalidCitation {
			// Drop the generated answer and fall back to retrieval only.
			state.generated = nil
			state.validated = nil
		}
		return o.fail(state, err, now)
	}

	produced := len(state.generated.Extractions)
	_ = o.stage(ctx, state, StageConfidenceScoring, opts, func() error {
		conf := ScoreConfidence(produced, state.validated, state.candidates)
		state.confidence = &conf
		return nil
	})

	_ = o.stage(ctx, state, StageProvenanceFormat, opts, func() error {
		state.provenance = FormatProvenance(state.validated, state.candidates, now, SortByRelevance)
		return nil
	})

	var resp model.UIResponse
	_ = o.stage(ctx, state, StageResponseBuilding, opts, func() error {
		resp = model.UIResponse{
			QueryID:         sq.QueryID,
			ShortAnswer:     state.generated.ShortAnswer,
			DetailedSummary: state.generated.DetailedSummary,
			Extractions:     state.validated,
			Provenance:      state.provenance,
			Confidence:      *state.confidence,
			Metadata:        state.metadata("", false),
		}
		if resp.Extractions == nil {
			resp.Extractions = []model.Extraction{}
		}
		if resp.Provenance == nil {
			resp.Provenance = []model.ProvenanceRef{}
		}
		return nil
	})

	o.queryCache.Add(cacheKey, resp)
	return resp
}

// fail converts a stage error into the partial response for it.
func (o *Orchestrator) fail(state *requestState, err error, now time.Time) model.UIResponse {
	kind := model.KindOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		kind = model.KindDeadlineExceeded
	}
	o.logger.Warn("pipeline: stage failed",
		"stage", state.failed, "kind", kind, "error", err)
	return partialResponse(state, kind, now)
}

// stage times one stage, records its duration, and notifies the stream
// callback.
func (o *Orchestrator) stage(ctx context.Context, state *requestState, name string, opts Options, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	state.stageMS[name] = elapsed.Milliseconds()
	o.stageDuration.Record(context.WithoutCancel(ctx), float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("stage", name)))
	if err != nil {
		state.failed = name
		return err
	}
	if opts.OnStage != nil {
		opts.OnStage(name, elapsed)
	}
	return nil
}

// writeAudit builds and records the one audit entry for this query.
func (o *Orchestrator) writeAudit(state *requestState, queryText, patientID string, opts Options, resp model.UIResponse, run runResult) {
	entry := model.AuditEntry{
		QueryID:         resp.QueryID,
		Timestamp:       state.startedAt,
		UserID:          opts.UserID,
		PatientID:       patientID,
		QueryText:       queryText,
		ResponseSummary: resp.ShortAnswer,
		Confidence:      resp.Confidence.Score,
		Success:         resp.Metadata.Error == "" || resp.Metadata.Error == model.KindNoResults,
		Error:           resp.Metadata.Error,
		TotalTimeMS:     resp.Metadata.TotalTimeMS,
		SessionID:       opts.SessionID,
		IP:              opts.IP,
		UserAgent:       opts.UserAgent,
		PipelineVersion: o.cfg.PipelineVersion,
	}
	if len(state.candidates) > 0 {
		ra := &model.RetrievalAudit{
			Method: "hybrid",
			TimeMS: state.stageMS[StageRetrieval],
		}
		seen := make(map[string]bool)
		for _, c := range state.candidates {
			ra.ChunkIDs = append(ra.ChunkIDs, c.Chunk.ChunkID)
			ra.Scores = append(ra.Scores, c.Score)
			if !seen[c.Chunk.ArtifactID] {
				seen[c.Chunk.ArtifactID] = true
				ra.ArtifactIDs = append(ra.ArtifactIDs, c.Chunk.ArtifactID)
			}
		}
		entry.Retrieval = ra
	}
	if run.genResult.Model != "" {
		entry.LLM = &model.LLMAudit{
			Prompt:       run.prompt.System + "\n\n" + run.prompt.User,
			Response:     run.genResult.Text,
			Model:        run.genResult.Model,
			ModelVersion: run.genResult.ModelVersion,
			Temperature:  run.prompt.Config.Temperature,
			MaxTokens:    run.prompt.Config.MaxTokens,
			Tokens:       run.genResult.Tokens,
			LatencyMS:    run.genResult.LatencyMS,
		}
	}
	if err := o.audit.Record(entry); err != nil {
		o.logger.Error("pipeline: audit write failed", "query_id", entry.QueryID, "error", err)
	}
}
