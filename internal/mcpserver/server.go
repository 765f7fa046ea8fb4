// Package mcpserver exposes narrator as a Model Context Protocol server.
//
// Tools: list_backends, list_voices, generate, start_batch, batch_status and
// cancel_batch. The server runs over stdio ([Server.RunStdio]) or is mounted
// on the HTTP API with the streamable transport ([Server.HTTPHandler]).
package mcpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/narrator/internal/backend"
	"github.com/MrWong99/narrator/internal/orchestrator"
)

// Implementation name reported to clients.
const serverName = "narrator"

// Server wraps an MCP server whose tools call into the orchestrator.
type Server struct {
	backends *backend.Registry
	orch     *orchestrator.Orchestrator
	jobs     *orchestrator.Jobs
	// saveInterval supplies the default save interval of submitted batches.
	saveInterval func() int
	log          *slog.Logger

	srv *mcp.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithSaveInterval sets the source of the default batch save interval.
// Default: 1.
func WithSaveInterval(fn func() int) Option {
	return func(s *Server) { s.saveInterval = fn }
}

// New creates the server and registers its tools.
func New(version string, backends *backend.Registry, orch *orchestrator.Orchestrator, jobs *orchestrator.Jobs, opts ...Option) *Server {
	s := &Server{
		backends:     backends,
		orch:         orch,
		jobs:         jobs,
		saveInterval: func() int { return 1 },
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.srv = mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version}, nil)
	s.registerTools()
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.srv }

// RunStdio serves MCP over stdin and stdout until ctx is done or the client
// disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	s.log.Info("mcp: serving on stdio")
	return s.srv.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler returns a streamable HTTP handler serving this server.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.srv }, nil)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "list_backends",
		Description: "List the synthesis backends with their enabled and configured state.",
	}, s.listBackends)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "list_voices",
		Description: "List the voices a backend offers. Catalogs are cached.",
	}, s.listVoices)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "generate",
		Description: "Synthesize one text with a backend voice and return the audio.",
	}, s.generate)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "start_batch",
		Description: "Submit a list of texts as a batch and start generating it in the background.",
	}, s.startBatch)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "batch_status",
		Description: "Report the progress of a batch started with start_batch.",
	}, s.batchStatus)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "cancel_batch",
		Description: "Request cancellation of a running batch. It stops at the next item boundary.",
	}, s.cancelBatch)
}
