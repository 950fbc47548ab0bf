package auth_tools

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jverhoef/schoolgate/internal/portal"
	"github.com/jverhoef/schoolgate/internal/server"
	"github.com/jverhoef/schoolgate/internal/store"
)

func newTestServerContext(t *testing.T) *server.ServerContext {
	t.Helper()
	backend := store.NewMemoryBackend()

	master := make([]byte, store.MasterKeyLen)
	sealer, err := store.NewSealer(master)
	require.NoError(t, err)
	sessions := store.NewSessionStore(backend, sealer, nil)

	base, err := url.Parse("https://portal.example.org")
	require.NoError(t, err)
	flow := portal.NewFormLoginFlow(base, "/login", "session", "", nil)
	manager := portal.NewManager(portal.ManagerConfig{BaseURL: base}, flow, sessions, nil)
	cache := store.NewCache(backend, nil)

	return server.NewServerContext(context.Background(), server.Deps{
		Backend:  backend,
		Sessions: sessions,
		Cache:    cache,
		Registry: store.NewRegistry(backend),
		Manager:  manager,
		Portal:   portal.NewClient(manager, cache, portal.ClientConfig{}, nil),
	})
}

func TestRegisterAuthTools(t *testing.T) {
	sc := newTestServerContext(t)
	s := mcpserver.NewMCPServer("test", "0.0.0", mcpserver.WithToolCapabilities(true))

	require.NoError(t, RegisterAuthTools(s, sc))
}

func TestLoginErrorMessages(t *testing.T) {
	timeoutMsg := loginErrorMessage(portal.ErrLoginTimeout)
	assert.Contains(t, timeoutMsg, "timed out")
	assert.Contains(t, timeoutMsg, "portal_login")

	rejectedMsg := loginErrorMessage(fmt.Errorf("%w: portal reported %q", portal.ErrLoginRejected, "invalid username or password"))
	assert.Contains(t, rejectedMsg, "rejected")

	transientMsg := loginErrorMessage(fmt.Errorf("%w: connection refused", portal.ErrTransient))
	assert.Contains(t, transientMsg, "temporary")
}
