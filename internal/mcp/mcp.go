// Package mcp exposes the query and indexing surface over the Model
// Context Protocol, so agent deployments can ask about a patient's record
// through the same pipeline the HTTP API uses.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/karte/internal/ingest"
	"github.com/ashita-ai/karte/internal/pipeline"
)

// Server wraps the MCP server around the pipeline services.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	orchestrator *pipeline.Orchestrator
	ingest       *ingest.Service
	logger       *slog.Logger
}

// New creates and configures an MCP server with the karte tools.
func New(orchestrator *pipeline.Orchestrator, ingestSvc *ingest.Service, logger *slog.Logger) *Server {
	s := &Server{
		orchestrator: orchestrator,
		ingest:       ingestSvc,
		logger:       logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"karte",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
