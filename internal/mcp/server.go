// Package mcp exposes a session to AI agents as MCP tools and resources.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/basekit/internal/script"
	"github.com/zot/basekit/internal/sdk"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// Server serves one session over MCP.
type Server struct {
	session *sdk.Session
	runner  *script.Runner
	mcp     *server.MCPServer
}

// NewServer creates the MCP server and registers its tools and resources.
// The runner may be nil, which leaves out the run_lua tool.
func NewServer(session *sdk.Session, runner *script.Runner) *Server {
	s := &Server{
		session: session,
		runner:  runner,
		mcp: server.NewMCPServer("basekit", Version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying server, for other transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves MCP over stdin and stdout until stdin closes.
func (s *Server) ServeStdio() error {
	glog.V(1).Infof("mcp: serving %s over stdio", s.session.Base().Name())
	return server.ServeStdio(s.mcp)
}

// Handle processes one JSON-RPC message and returns the response, or nil for
// a notification.
func (s *Server) Handle(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, message)
}
