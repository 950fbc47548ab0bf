package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// HTTPServer serves the MCP streamable-http transport alongside health
// endpoints. The portal itself does the authenticating; this listener is
// meant to sit on localhost or behind a trusted ingress.
type HTTPServer struct {
	mcpServer        *mcpserver.MCPServer
	health           *HealthChecker
	httpServer       *http.Server
	disableStreaming bool
}

// NewHTTPServer creates an HTTP transport for the given MCP server.
func NewHTTPServer(mcpServer *mcpserver.MCPServer, health *HealthChecker, disableStreaming bool) *HTTPServer {
	return &HTTPServer{
		mcpServer:        mcpServer,
		health:           health,
		disableStreaming: disableStreaming,
	}
}

// Start serves on addr until Shutdown. Blocking; run in a goroutine for
// non-blocking operation.
func (s *HTTPServer) Start(addr string) error {
	mux := http.NewServeMux()

	opts := []mcpserver.StreamableHTTPOption{mcpserver.WithEndpointPath("/mcp")}
	if s.disableStreaming {
		opts = append(opts, mcpserver.WithDisableStreaming(true))
	}
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(s.mcpServer, opts...))

	if s.health != nil {
		s.health.RegisterHealthEndpoints(mux)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("starting streamable-http server", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
