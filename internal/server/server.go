package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/karte/internal/audit"
	"github.com/ashita-ai/karte/internal/auth"
	"github.com/ashita-ai/karte/internal/cache"
	"github.com/ashita-ai/karte/internal/index"
	"github.com/ashita-ai/karte/internal/ingest"
	"github.com/ashita-ai/karte/internal/metastore"
	"github.com/ashita-ai/karte/internal/pipeline"
	"github.com/ashita-ai/karte/internal/ratelimit"
)

// Config wires the HTTP server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxBodyBytes caps request body size; 0 means the 1 MB default.
	MaxBodyBytes int64
	Version      string

	Orchestrator *pipeline.Orchestrator
	Ingest       *ingest.Service
	Records      pipeline.RecordSource
	AuditLog     *audit.Logger
	Breakers     *pipeline.Breakers
	Store        metastore.Store
	VectorIndex  index.VectorIndex

	JWTMgr  *auth.JWTManager
	Keyring *auth.Keyring
	// Limiter may be nil to disable rate limiting.
	Limiter ratelimit.Limiter
	// MCPServer, when set, is mounted at /mcp.
	MCPServer *mcpserver.MCPServer

	Logger *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// New assembles routes and the middleware chain.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// The stream endpoint holds the connection across the full
		// pipeline deadline; leave headroom beyond it.
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	h := &Handlers{
		orchestrator: cfg.Orchestrator,
		ingest:       cfg.Ingest,
		records:      cfg.Records,
		auditLog:     cfg.AuditLog,
		breakers:     cfg.Breakers,
		jwtMgr:       cfg.JWTMgr,
		keyring:      cfg.Keyring,
		store:        cfg.Store,
		vindex:       cfg.VectorIndex,
		emrCache:     cache.NewTTL[emrPayload]("emr", 256, emrCacheTTL, cfg.Logger),
		version:      cfg.Version,
		startedAt:    time.Now(),
		logger:       cfg.Logger,
	}

	clinician := requireRole(auth.RoleClinician)
	admin := requireRole(auth.RoleAdmin)
	queryRL := ratelimit.Middleware(cfg.Limiter, userKeyFunc, func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	})

	mux := http.NewServeMux()

	// Token exchange (no auth; brute force is slowed by the Argon2
	// verification cost per attempt).
	mux.Handle("POST /auth/token", http.HandlerFunc(h.HandleAuthToken))

	// Query surface (clinician+, rate limited).
	mux.Handle("POST /api/query", queryRL(clinician(http.HandlerFunc(h.HandleQuery))))
	mux.Handle("POST /api/query/stream", queryRL(clinician(http.HandlerFunc(h.HandleQueryStream))))

	// Record read-through (clinician+, rate limited).
	mux.Handle("GET /api/emr/{kind}", queryRL(clinician(http.HandlerFunc(h.HandleEMR))))

	// Index management (admin only, no rate limit — operator traffic).
	mux.Handle("POST /api/index/patient/{patient_id}", admin(http.HandlerFunc(h.HandleIndexPatient)))
	mux.Handle("DELETE /api/index/patient/{patient_id}", admin(http.HandlerFunc(h.HandleClearPatient)))

	// Audit trail (admin only).
	mux.Handle("GET /api/audit", admin(http.HandlerFunc(h.HandleAuditList)))
	mux.Handle("GET /api/audit/export", admin(http.HandlerFunc(h.HandleAuditExport)))

	// MCP StreamableHTTP transport (auth required, clinician+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", clinician(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → body limit
	// → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = bodyLimitMiddleware(cfg.MaxBodyBytes, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc extracts the user ID from the request context for rate
// limiting. Admins are exempt.
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if auth.RoleAtLeast(claims.Role, auth.RoleAdmin) {
		return ""
	}
	return claims.UserID
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// writeSSE emits one server-sent event and flushes it to the client.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
