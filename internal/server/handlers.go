package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/karte/internal/audit"
	"github.com/ashita-ai/karte/internal/auth"
	"github.com/ashita-ai/karte/internal/cache"
	"github.com/ashita-ai/karte/internal/emr"
	"github.com/ashita-ai/karte/internal/index"
	"github.com/ashita-ai/karte/internal/ingest"
	"github.com/ashita-ai/karte/internal/metastore"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/pipeline"
)

// emrCacheTTL bounds staleness of the record read-through endpoints.
const emrCacheTTL = time.Minute

// emrPayload is one cached read-through result.
type emrPayload struct {
	Data  any
	Count int
}

// Handlers carries the wired services behind the HTTP surface.
type Handlers struct {
	orchestrator *pipeline.Orchestrator
	ingest       *ingest.Service
	records      pipeline.RecordSource
	auditLog     *audit.Logger
	breakers     *pipeline.Breakers
	jwtMgr       *auth.JWTManager
	keyring      *auth.Keyring
	store        metastore.Store
	vindex       index.VectorIndex
	emrCache     *cache.TTLCache[emrPayload]
	version      string
	startedAt    time.Time
	logger       *slog.Logger
}

// HandleAuthToken exchanges a provisioned API key for a bearer token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "invalid request body")
		return
	}
	if req.UserID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "user_id and api_key are required")
		return
	}

	cred, ok := h.keyring.Verify(req.UserID, req.APIKey)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.KindUnauthorized, "invalid credentials")
		return
	}

	token, exp, err := h.jwtMgr.IssueToken(cred)
	if err != nil {
		h.logger.Error("token issue failed", "user_id", req.UserID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.KindInternal, "failed to issue token")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: exp})
}

// HandleQuery answers one clinician question.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req model.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
		return
	}

	resp := h.orchestrator.Process(r.Context(), req.QueryText, req.PatientID, h.queryOptions(r, req, nil))
	h.writeQueryResponse(w, r, resp)
}

// HandleQueryStream answers one question over SSE: a `stage` event per
// completed pipeline stage, then a final `result` event with the response.
func (h *Handlers) HandleQueryStream(w http.ResponseWriter, r *http.Request) {
	var req model.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.KindInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// OnStage runs on the Process goroutine, so writes are sequential.
	onStage := func(stage string, elapsed time.Duration) {
		writeSSE(w, flusher, "stage", map[string]any{
			"stage":      stage,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
	resp := h.orchestrator.Process(r.Context(), req.QueryText, req.PatientID, h.queryOptions(r, req, onStage))
	writeSSE(w, flusher, "result", resp)
}

// queryOptions builds per-request pipeline options from the HTTP request.
func (h *Handlers) queryOptions(r *http.Request, req model.QueryRequest, onStage func(string, time.Duration)) pipeline.Options {
	opts := pipeline.Options{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		OnStage:   onStage,
	}
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		opts.UserID = claims.UserID
	}
	if req.Options != nil {
		opts.Timeout = time.Duration(req.Options.TimeoutMS) * time.Millisecond
		opts.SessionID = req.Options.SessionID
		if req.Options.Audit != nil && !*req.Options.Audit {
			opts.AuditDisabled = true
		}
	}
	return opts
}

// writeQueryResponse maps the response's error kind onto a status code.
// Partial responses stay 200: the clinician still gets usable snippets.
func (h *Handlers) writeQueryResponse(w http.ResponseWriter, r *http.Request, resp model.UIResponse) {
	status := http.StatusOK
	switch resp.Metadata.Error {
	case model.KindCircuitOpen:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(int(h.breakers.ResetTimeout().Seconds())))
	case model.KindInternal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, r, status, resp)
}

// HandleIndexPatient (re)indexes one patient's full record.
func (h *Handlers) HandleIndexPatient(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("patient_id")
	if strings.TrimSpace(patientID) == "" {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "patient_id is required")
		return
	}

	res, err := h.ingest.IndexPatient(r.Context(), patientID)
	if err != nil {
		kind := model.KindOf(err)
		h.logger.Error("index patient failed", "patient_id", patientID, "error", err)
		writeError(w, r, kind.HTTPStatus(), kind, "indexing failed")
		return
	}
	writeJSON(w, r, http.StatusOK, model.IndexResult{
		PatientID:     res.PatientID,
		IndexedChunks: res.IndexedChunks,
		Artifacts:     res.Artifacts,
		ElapsedMS:     res.ElapsedMS,
	})
}

// HandleClearPatient removes one patient's vectors, metadata, and caches.
func (h *Handlers) HandleClearPatient(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("patient_id")
	if strings.TrimSpace(patientID) == "" {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "patient_id is required")
		return
	}

	res, err := h.ingest.ClearPatient(r.Context(), patientID)
	if err != nil {
		kind := model.KindOf(err)
		h.logger.Error("clear patient failed", "patient_id", patientID, "error", err)
		writeError(w, r, kind.HTTPStatus(), kind, "clear failed")
		return
	}
	writeJSON(w, r, http.StatusOK, model.ClearResult{
		PatientID:     res.PatientID,
		RemovedChunks: res.Chunks,
	})
}

// emrKinds maps the path segment onto a record kind.
var emrKinds = map[string]emr.RecordKind{
	"care_plans":   emr.KindCarePlans,
	"medications":  emr.KindMedications,
	"notes":        emr.KindNotes,
	"allergies":    emr.KindAllergies,
	"conditions":   emr.KindConditions,
	"vitals":       emr.KindVitals,
	"labs":         emr.KindLabs,
	"appointments": emr.KindAppointments,
	"documents":    emr.KindDocuments,
	"tasks":        emr.KindTasks,
}

// HandleEMR is the record source read-through: GET /api/emr/{kind}?patient_id=…
// with optional from/to/limit/offset. Results are cached briefly.
func (h *Handlers) HandleEMR(w http.ResponseWriter, r *http.Request) {
	kindStr := r.PathValue("kind")
	patientID := r.URL.Query().Get("patient_id")
	if patientID == "" {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "patient_id is required")
		return
	}

	var fetchOpts emr.FetchOptions
	q := r.URL.Query()
	for name, dst := range map[string]**time.Time{"from": &fetchOpts.From, "to": &fetchOpts.To} {
		if raw := q.Get(name); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, model.KindValidation,
					fmt.Sprintf("%s must be RFC 3339", name))
				return
			}
			*dst = &ts
		}
	}
	fetchOpts.Limit, _ = strconv.Atoi(q.Get("limit"))
	fetchOpts.Offset, _ = strconv.Atoi(q.Get("offset"))

	if kindStr != "all" {
		if _, ok := emrKinds[kindStr]; !ok {
			writeError(w, r, http.StatusNotFound, model.KindValidation, "unknown record kind")
			return
		}
	}

	cacheKey := strings.Join([]string{
		kindStr, patientID, q.Get("from"), q.Get("to"),
		strconv.Itoa(fetchOpts.Limit), strconv.Itoa(fetchOpts.Offset),
	}, "|")

	start := time.Now()
	payload, hit := h.emrCache.Get(r.Context(), cacheKey)
	if !hit {
		var err error
		payload, err = h.fetchEMR(r, kindStr, patientID, fetchOpts)
		if err != nil {
			kind := model.KindOf(err)
			h.logger.Error("emr fetch failed", "kind", kindStr, "patient_id", patientID, "error", err)
			writeError(w, r, kind.HTTPStatus(), kind, "record source fetch failed")
			return
		}
		h.emrCache.Add(cacheKey, payload)
	}

	// EMRResponse carries its own meta; the standard envelope would bury
	// the record array one level deep.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.EMRResponse{
		Data: payload.Data,
		Meta: model.EMRMeta{
			Count:       payload.Count,
			Cached:      hit,
			FetchTimeMS: time.Since(start).Milliseconds(),
			Timestamp:   time.Now().UTC(),
		},
	})
}

func (h *Handlers) fetchEMR(r *http.Request, kindStr, patientID string, opts emr.FetchOptions) (emrPayload, error) {
	if kindStr == "all" {
		bundle, err := h.records.GetAll(r.Context(), patientID)
		if err != nil {
			return emrPayload{}, err
		}
		return emrPayload{Data: bundle, Count: bundle.Len()}, nil
	}
	records, err := h.records.Fetch(r.Context(), emrKinds[kindStr], patientID, opts)
	if err != nil {
		return emrPayload{}, err
	}
	return emrPayload{Data: records, Count: len(records)}, nil
}

// HandleHealth reports liveness plus per-dependency state.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	deps := make(map[string]model.DependencyHealth)
	states := h.breakers.States()
	healthy := true

	for _, name := range []string{pipeline.DepEmbedder, pipeline.DepGenerator, pipeline.DepRecordSource} {
		dh := model.DependencyHealth{Status: "ok", BreakerState: states[name]}
		if dh.BreakerState == "open" {
			dh.Status = "unavailable"
			healthy = false
		}
		deps[name] = dh
	}

	storeHealth := model.DependencyHealth{Status: "ok", BreakerState: states[pipeline.DepMetadataStore]}
	if err := h.store.Ping(r.Context()); err != nil {
		storeHealth.Status = "unavailable"
		storeHealth.Detail = err.Error()
		healthy = false
	}
	deps[pipeline.DepMetadataStore] = storeHealth

	indexHealth := model.DependencyHealth{Status: "ok", BreakerState: states[pipeline.DepVectorIndex]}
	if err := h.vindex.Healthy(r.Context()); err != nil {
		indexHealth.Status = "unavailable"
		indexHealth.Detail = err.Error()
		healthy = false
	}
	deps[pipeline.DepVectorIndex] = indexHealth

	resp := model.HealthResponse{
		Status:       "ok",
		Version:      h.version,
		UptimeSec:    int64(time.Since(h.startedAt).Seconds()),
		Dependencies: deps,
	}
	if counter, ok := h.vindex.(interface{ Count() int }); ok {
		resp.IndexedVecs = counter.Count()
	}
	if !healthy {
		resp.Status = "degraded"
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// clientIP extracts the caller address for the audit trail.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
