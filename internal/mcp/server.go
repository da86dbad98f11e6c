// Package mcp exposes the composition host to AI agents as MCP tools and
// resources over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"io"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/loader"
	"github.com/zot/ui-compose/internal/server"
	"github.com/zot/ui-compose/internal/session"
	"github.com/zot/ui-compose/internal/storage"
)

// Version is reported to MCP clients.
var Version = "dev"

// Host is the running composition host the tools act on.
type Host interface {
	Loader() *loader.Loader
	Sessions() *session.Manager
	Modules() []server.ModuleInfo
	SessionInfos() []server.SessionInfo
	ReloadModule(name string) int
	History(ctx context.Context, module string, limit int) ([]*storage.Record, error)
}

// Server implements an MCP server for AI integration.
type Server struct {
	config *config.Config
	host   Host
	mcp    *mcpserver.MCPServer
}

// NewServer creates an MCP server with every tool and resource registered.
func NewServer(cfg *config.Config, host Host) *Server {
	s := &Server{
		config: cfg,
		host:   host,
		mcp: mcpserver.NewMCPServer("ui-compose", Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *mcpserver.MCPServer {
	return s.mcp
}

// HandleMessage processes one JSON-RPC message and returns the response.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, message)
}

// Serve processes MCP messages from in until ctx is done or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.config.Log(1, "MCP server listening on stdio")
	stdio := mcpserver.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(s.config.Logger().StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}))
	return stdio.Listen(ctx, in, out)
}
