package mcp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/internal/logging"
	"github.com/rendis/flowmaster/internal/rpc"
	"github.com/rendis/flowmaster/internal/streaming"
)

// WorkflowController is the part of the engine the master tools drive.
type WorkflowController interface {
	OnTaskCallback(ctx context.Context, cb *engine.TaskCallback) error
	Pause(ctx context.Context, id int64) error
	Stop(ctx context.Context, id int64) error
}

var _ WorkflowController = (*engine.Engine)(nil)

// MasterServerDeps holds the dependencies for creating a MasterServer.
type MasterServerDeps struct {
	Controller WorkflowController
	Hub        streaming.EventHub
	Logger     *slog.Logger
	// BaseURL is the address workers reach this master on, e.g. http://m1:5678.
	BaseURL string
	// OnWorkerGone is called with every worker host whose session closed.
	OnWorkerGone func(host string)
}

// MasterServer exposes the master-bound RPC tools over MCP SSE.
type MasterServer struct {
	controller   WorkflowController
	hub          streaming.EventHub
	logger       *slog.Logger
	sessions     *SessionRegistry
	onWorkerGone func(host string)
	mcpServer    *server.MCPServer
	sse          *server.SSEServer
}

// NewMasterServer creates a MasterServer with the master tools registered.
func NewMasterServer(deps MasterServerDeps) *MasterServer {
	s := &MasterServer{
		controller:   deps.Controller,
		hub:          deps.Hub,
		logger:       logging.OrDefault(deps.Logger),
		sessions:     NewSessionRegistry(),
		onWorkerGone: deps.OnWorkerGone,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(s.sessionClosed)

	mcpSrv := server.NewMCPServer(
		"flowmaster",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Flowmaster is a workflow master. Workers report task state with the master.task_* tools; "+
			"master.pause_workflow_instance and master.stop_workflow_instance control instances owned by this master."),
	)
	mcpSrv.AddTools(rpc.MasterTools(s)...)
	s.mcpServer = mcpSrv

	opts := []server.SSEOption{server.WithKeepAlive(true)}
	if deps.BaseURL != "" {
		opts = append(opts, server.WithBaseURL(deps.BaseURL))
	}
	s.sse = server.NewSSEServer(mcpSrv, opts...)
	return s
}

// Register mounts the SSE stream on /sse and the message endpoint on /message.
func (s *MasterServer) Register(mux *http.ServeMux) {
	mux.Handle("/sse", s.sse.SSEHandler())
	mux.Handle("/message", s.sse.MessageHandler())
}

// Shutdown closes every open SSE session.
func (s *MasterServer) Shutdown(ctx context.Context) error {
	return s.sse.Shutdown(ctx)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *MasterServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the worker session registry.
func (s *MasterServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *MasterServer) sessionClosed(_ context.Context, session server.ClientSession) {
	hosts := s.sessions.Remove(session.SessionID())
	for _, host := range hosts {
		s.logger.Info("worker session closed",
			slog.String("worker", host),
			slog.String("session_id", session.SessionID()),
		)
		if s.onWorkerGone != nil {
			s.onWorkerGone(host)
		}
	}
}
