// Package mcpserver exposes the sandboxed tool registry over the Model
// Context Protocol so external MCP clients can drive the same dispatcher
// the control loop uses.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/devbot/internal/agent"
	"github.com/jkaninda/devbot/internal/tools"
)

// Name is the server name announced during the MCP handshake.
const Name = "devbot"

// Server wraps an MCP server whose tools all route through a Dispatcher.
type Server struct {
	mcp        *server.MCPServer
	dispatcher *agent.Dispatcher
	logger     *slog.Logger
}

// New registers every tool in the dispatcher's registry.
func New(dispatcher *agent.Dispatcher, version string, logger *slog.Logger) (*Server, error) {
	s := &Server{
		mcp:        server.NewMCPServer(Name, version, server.WithToolCapabilities(false)),
		dispatcher: dispatcher,
		logger:     logger,
	}
	for _, t := range dispatcher.Registry().All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("encoding schema for %s: %w", t.Name(), err)
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), s.handler(t.Name()))
	}
	logger.Info("mcp tools registered", slog.Int("tools", len(dispatcher.Registry().All())))
	return s, nil
}

// MCPServer returns the underlying server, e.g. for an in-process client.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves JSON-RPC over the given streams until ctx is done or
// stdin closes. Tool calls may arrive on several stdio workers at once;
// the dispatcher runs them one at a time.
func (s *Server) ServeStdio(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	s.logger.InfoContext(ctx, "mcp server listening on stdio")
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, stdin, stdout)
}

// handler adapts a dispatch to an MCP tool call. Tool failures come back
// as error results carrying the JSON payload, never as protocol errors.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := s.dispatcher.Dispatch(ctx, tools.Call{
			ID:   "mcp-" + uuid.NewString(),
			Name: name,
			Args: req.GetArguments(),
		})
		return toCallResult(res), nil
	}
}

func toCallResult(res *tools.Result) *mcp.CallToolResult {
	if res.IsError() {
		return mcp.NewToolResultError(res.String())
	}
	return mcp.NewToolResultText(res.String())
}
