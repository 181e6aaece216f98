// Package mcpserver exposes a read-only Model Context Protocol tool
// surface over ApplicationManager and ScalarPublisher, additive to the
// gRPC control plane in internal/rpcserver: get_state and
// get_monitor_data for operator/LLM tooling (spec.md §6 RPC surface).
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ska-telescope/pst-stat-go/internal/appmgr"
	"github.com/ska-telescope/pst-stat-go/internal/publish/scalar"
)

// Server wraps an MCP tool server reading from a Manager and a
// ScalarPublisher. It never mutates engine state.
type Server struct {
	manager    *appmgr.Manager
	scalarPub  *scalar.Publisher
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New constructs a Server and registers its tools.
func New(manager *appmgr.Manager, scalarPub *scalar.Publisher) *Server {
	s := &Server{manager: manager, scalarPub: scalarPub}

	s.mcpServer = server.NewMCPServer(
		"pst-stat-core",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	return s
}

// Handler returns the HTTP handler to mount for the MCP transport.
func (s *Server) Handler() *server.StreamableHTTPServer {
	return s.httpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("get_state",
			mcp.WithDescription("Get the current ApplicationManager lifecycle state (Idle, BeamConfigured, ScanConfigured, Scanning, RuntimeError) and, if in RuntimeError, the captured fault cause."),
		),
		s.handleGetState,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("get_monitor_data",
			mcp.WithDescription("Get the current scalar statistics snapshot (mean/variance frequency averages, masked variants, clip counts) last published by the running scan, for live monitoring."),
		),
		s.handleGetMonitorData,
	)
}

func (s *Server) handleGetState(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := s.manager.State()
	payload := map[string]any{"state": state.String()}
	if state == appmgr.RuntimeError {
		if cause := s.manager.Cause(); cause != nil {
			payload["cause"] = cause.Error()
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal state: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleGetMonitorData(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.scalarPub.HasData() {
		return mcp.NewToolResultError("no scalar statistics have been published yet"), nil
	}
	snap := s.scalarPub.Get()
	data, err := json.Marshal(snap)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal snapshot: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
