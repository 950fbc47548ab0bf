package server

import (
	"context"
	"sync"

	"github.com/jverhoef/schoolgate/internal/instrumentation"
	"github.com/jverhoef/schoolgate/internal/portal"
	"github.com/jverhoef/schoolgate/internal/store"
)

// Deps bundles the shared dependencies handed to every tool handler.
type Deps struct {
	Backend  store.Backend
	Sessions *store.SessionStore
	Cache    *store.Cache
	Registry *store.Registry
	Manager  *portal.Manager
	Portal   *portal.Client

	// Instrumentation is optional; tool handlers degrade to plain
	// execution when it is absent.
	Provider    *instrumentation.Provider
	AuditLogger *instrumentation.AuditLogger
}

// ServerContext holds the context for the MCP server.
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc
	deps   Deps

	mu       sync.RWMutex
	shutdown bool
}

// NewServerContext creates a new server context.
func NewServerContext(ctx context.Context, deps Deps) *ServerContext {
	shutdownCtx, cancel := context.WithCancel(ctx)
	return &ServerContext{
		ctx:    shutdownCtx,
		cancel: cancel,
		deps:   deps,
	}
}

// Context returns the server context.
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Backend returns the storage backend.
func (sc *ServerContext) Backend() store.Backend {
	return sc.deps.Backend
}

// Sessions returns the encrypted session store.
func (sc *ServerContext) Sessions() *store.SessionStore {
	return sc.deps.Sessions
}

// Cache returns the per-user result cache.
func (sc *ServerContext) Cache() *store.Cache {
	return sc.deps.Cache
}

// Registry returns the known-users registry.
func (sc *ServerContext) Registry() *store.Registry {
	return sc.deps.Registry
}

// Manager returns the portal session manager.
func (sc *ServerContext) Manager() *portal.Manager {
	return sc.deps.Manager
}

// Portal returns the portal data client.
func (sc *ServerContext) Portal() *portal.Client {
	return sc.deps.Portal
}

// Metrics returns the metrics recorder, or nil when instrumentation is
// not configured.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	if sc.deps.Provider == nil {
		return nil
	}
	return sc.deps.Provider.Metrics()
}

// AuditLogger returns the audit logger, or nil when not configured.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	return sc.deps.AuditLogger
}

// IsShutdown returns whether the server has been shut down.
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown cancels the server context and closes the storage backend.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return nil
	}
	sc.shutdown = true
	sc.cancel()

	if sc.deps.Backend != nil {
		return sc.deps.Backend.Close(context.Background())
	}
	return nil
}
