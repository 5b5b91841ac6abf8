// Package mcp exposes the orchestrator's single entry point as a Model
// Context Protocol tool server.
package mcp

import (
	"context"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ironhelm/helmsman/internal/service"
)

// Stepper is the phase controller as the transport sees it.
type Stepper interface {
	Step(ctx context.Context, ev service.Event) service.Response
}

// ServerConfig holds the MCP server's listen address and identity.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
}

// ServerDeps carries the collaborators the tool handlers call into.
type ServerDeps struct {
	Stepper Stepper
}

// Server wraps an MCP server exposing the step tool over streamable HTTP.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	httpSrv   *mcpserver.StreamableHTTPServer
}

// NewServer builds the MCP server and registers its tools.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	m := mcpserver.NewMCPServer(cfg.Name, cfg.Version,
		mcpserver.WithToolCapabilities(false),
	)
	s := &Server{cfg: cfg, deps: deps, mcpServer: m}
	s.registerTools()
	return s
}

// MCPServer exposes the underlying server, mainly for tests.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// Start begins serving in the background. Returns immediately; serve errors
// are logged.
func (s *Server) Start() error {
	s.httpSrv = mcpserver.NewStreamableHTTPServer(s.mcpServer)
	go func() {
		slog.Info("mcp server listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.Start(s.cfg.Addr); err != nil {
			slog.Error("mcp server stopped", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
