package cmd

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jverhoef/schoolgate/internal/instrumentation"
	"github.com/jverhoef/schoolgate/internal/logging"
	"github.com/jverhoef/schoolgate/internal/portal"
	"github.com/jverhoef/schoolgate/internal/resources"
	"github.com/jverhoef/schoolgate/internal/server"
	"github.com/jverhoef/schoolgate/internal/store"
	"github.com/jverhoef/schoolgate/internal/tools/auth_tools"
	"github.com/jverhoef/schoolgate/internal/tools/calendar_tools"
	"github.com/jverhoef/schoolgate/internal/tools/directory_tools"
	"github.com/jverhoef/schoolgate/internal/tools/lunch_tools"
)

// PortalConfig holds the coordinates of the school portal the server
// bridges to.
type PortalConfig struct {
	// BaseURL is the portal origin, e.g. https://portal.example.org
	BaseURL string

	// LoginPath is the path of the portal's login form (default: /login)
	LoginPath string

	// ProbePath is an authenticated-only page used to validate sessions
	ProbePath string

	// SessionMarker is a substring identifying the portal's session cookie
	SessionMarker string

	// UserAgent overrides the User-Agent on programmatic requests
	UserAgent string

	// LoginStrategy selects how sessions are obtained: "form" or "browser"
	LoginStrategy string

	// SessionLifetime bounds how long a captured session is trusted
	SessionLifetime time.Duration
}

// StorageConfig holds the credential/session storage backend configuration.
type StorageConfig struct {
	// Type is the storage backend type: "memory" or "mongodb"
	Type string

	// MongoURI is the MongoDB connection string (used when Type is "mongodb")
	MongoURI string

	// MongoDatabase is the MongoDB database name (default: "schoolgate")
	MongoDatabase string

	// MasterKey is the base64-encoded 32-byte key that session cookies and
	// credentials are encrypted with at rest
	MasterKey string
}

// MetricsConfig holds configuration for the metrics server.
type MetricsConfig struct {
	// Enabled determines whether to start the metrics server (default: true)
	Enabled bool

	// Addr is the address for the metrics server (e.g., ":9090")
	Addr string
}

func newServeCmd() *cobra.Command {
	var (
		debugMode        bool
		transport        string
		httpAddr         string
		disableStreaming bool

		portalConfig  PortalConfig
		storageConfig StorageConfig
		metricsConfig MetricsConfig

		sessionLifetime string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol (MCP) server that exposes the school
portal's directory, calendar and lunch-volunteer pages as tools for AI
assistants.

Supports multiple transport types:
  - stdio: Standard input/output (default)
  - streamable-http: Streamable HTTP transport

Portal Configuration:
  The portal origin is required:
    --portal-url https://portal.example.org OR PORTAL_BASE_URL env var

  Login strategy:
    --login-strategy form     submit the login form with stored credentials
    --login-strategy browser  capture the session from the user's own browser

Storage:
  Sessions and credentials are encrypted at rest with a master key:
    --master-key (base64, 32 bytes) OR PORTAL_MASTER_KEY env var
    Generate with: openssl rand -base64 32
  With --storage memory an ephemeral key is generated when none is given;
  sessions then do not survive a restart. MongoDB storage requires a key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loadPortalEnvVars(cmd, &portalConfig)
			loadStorageEnvVars(cmd, &storageConfig)
			loadMetricsEnvVars(cmd, &metricsConfig)

			if sessionLifetime != "" {
				d, err := time.ParseDuration(sessionLifetime)
				if err != nil {
					return fmt.Errorf("invalid --session-lifetime %q: %w", sessionLifetime, err)
				}
				portalConfig.SessionLifetime = d
			} else if env := os.Getenv("PORTAL_SESSION_LIFETIME"); env != "" {
				d, err := time.ParseDuration(env)
				if err != nil {
					return fmt.Errorf("invalid PORTAL_SESSION_LIFETIME %q: %w", env, err)
				}
				portalConfig.SessionLifetime = d
			}

			return runServe(transport, debugMode, httpAddr, disableStreaming, portalConfig, storageConfig, metricsConfig)
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport type: stdio or streamable-http")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP server address (for streamable-http transport)")
	cmd.Flags().BoolVar(&disableStreaming, "disable-streaming", false, "Disable streaming for HTTP transport (for compatibility with certain clients)")

	cmd.Flags().StringVar(&portalConfig.BaseURL, "portal-url", "", "School portal origin, e.g. https://portal.example.org. Can also use PORTAL_BASE_URL env var. Required.")
	cmd.Flags().StringVar(&portalConfig.LoginPath, "login-path", "/login", "Path of the portal's login form. Can also use PORTAL_LOGIN_PATH env var.")
	cmd.Flags().StringVar(&portalConfig.ProbePath, "probe-path", "/", "Authenticated-only path used to validate stored sessions. Can also use PORTAL_PROBE_PATH env var.")
	cmd.Flags().StringVar(&portalConfig.SessionMarker, "session-marker", "session", "Substring identifying the portal's session cookie name. Can also use PORTAL_SESSION_MARKER env var.")
	cmd.Flags().StringVar(&portalConfig.UserAgent, "user-agent", "", "User-Agent for programmatic portal requests. Can also use PORTAL_USER_AGENT env var.")
	cmd.Flags().StringVar(&portalConfig.LoginStrategy, "login-strategy", "form", "Login strategy: form (submit credentials) or browser (capture from the user's browser). Can also use PORTAL_LOGIN_STRATEGY env var.")
	cmd.Flags().StringVar(&sessionLifetime, "session-lifetime", "", "How long a captured session is trusted before re-login, e.g. 720h. Can also use PORTAL_SESSION_LIFETIME env var.")

	cmd.Flags().StringVar(&storageConfig.Type, "storage", "memory", "Storage backend: memory or mongodb. Can also use STORAGE_TYPE env var.")
	cmd.Flags().StringVar(&storageConfig.MongoURI, "mongodb-uri", "", "MongoDB connection string. Can also use MONGODB_URI env var.")
	cmd.Flags().StringVar(&storageConfig.MongoDatabase, "mongodb-database", "schoolgate", "MongoDB database name. Can also use MONGODB_DATABASE env var.")
	cmd.Flags().StringVar(&storageConfig.MasterKey, "master-key", "", "AES-256 master key for encrypting sessions and credentials at rest (32 bytes, base64 encoded). Can also use PORTAL_MASTER_KEY env var. Generate with: openssl rand -base64 32")

	cmd.Flags().BoolVar(&metricsConfig.Enabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&metricsConfig.Addr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

// loadPortalEnvVars fills portal configuration from environment variables.
// Environment variables only apply when the corresponding flag was not
// explicitly set.
func loadPortalEnvVars(cmd *cobra.Command, config *PortalConfig) {
	if config.BaseURL == "" {
		config.BaseURL = os.Getenv("PORTAL_BASE_URL")
	}
	if !cmd.Flags().Changed("login-path") {
		if v := os.Getenv("PORTAL_LOGIN_PATH"); v != "" {
			config.LoginPath = v
		}
	}
	if !cmd.Flags().Changed("probe-path") {
		if v := os.Getenv("PORTAL_PROBE_PATH"); v != "" {
			config.ProbePath = v
		}
	}
	if !cmd.Flags().Changed("session-marker") {
		if v := os.Getenv("PORTAL_SESSION_MARKER"); v != "" {
			config.SessionMarker = v
		}
	}
	if config.UserAgent == "" {
		config.UserAgent = os.Getenv("PORTAL_USER_AGENT")
	}
	if !cmd.Flags().Changed("login-strategy") {
		if v := os.Getenv("PORTAL_LOGIN_STRATEGY"); v != "" {
			config.LoginStrategy = v
		}
	}
}

func loadStorageEnvVars(cmd *cobra.Command, config *StorageConfig) {
	if !cmd.Flags().Changed("storage") {
		if v := os.Getenv("STORAGE_TYPE"); v != "" {
			config.Type = v
		}
	}
	if config.MongoURI == "" {
		config.MongoURI = os.Getenv("MONGODB_URI")
	}
	if !cmd.Flags().Changed("mongodb-database") {
		if v := os.Getenv("MONGODB_DATABASE"); v != "" {
			config.MongoDatabase = v
		}
	}
	if config.MasterKey == "" {
		config.MasterKey = os.Getenv("PORTAL_MASTER_KEY")
	}
}

func loadMetricsEnvVars(cmd *cobra.Command, config *MetricsConfig) {
	if !cmd.Flags().Changed("metrics-enabled") {
		if v := os.Getenv("METRICS_ENABLED"); v == "false" {
			config.Enabled = false
		}
	}
	if !cmd.Flags().Changed("metrics-addr") {
		if v := os.Getenv("METRICS_ADDR"); v != "" {
			config.Addr = v
		}
	}
}

// resolveMasterKey decodes the configured master key. When no key is
// configured, the memory backend gets an ephemeral random key (sessions
// simply do not survive a restart); persistent storage refuses to start
// without one, since blobs sealed under a random key would be unreadable
// after a restart.
func resolveMasterKey(config StorageConfig) ([]byte, bool, error) {
	if config.MasterKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(config.MasterKey)
		if err != nil {
			return nil, false, fmt.Errorf("invalid master key (must be base64 encoded): %w", err)
		}
		if len(decoded) != store.MasterKeyLen {
			return nil, false, fmt.Errorf("master key must be exactly %d bytes (got %d bytes)", store.MasterKeyLen, len(decoded))
		}
		return decoded, false, nil
	}

	if config.Type != "memory" {
		return nil, false, fmt.Errorf("master key is required for %s storage (set --master-key or PORTAL_MASTER_KEY)", config.Type)
	}

	key := make([]byte, store.MasterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate ephemeral master key: %w", err)
	}
	return key, true, nil
}

func newBackend(config StorageConfig) (store.Backend, error) {
	switch config.Type {
	case "memory":
		return store.NewMemoryBackend(), nil
	case "mongodb":
		return store.NewMongoBackend(store.MongoConfig{
			URI:          config.MongoURI,
			DatabaseName: config.MongoDatabase,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: memory, mongodb)", config.Type)
	}
}

func newLoginFlow(config PortalConfig, base *url.URL, logger *slog.Logger) (portal.LoginFlow, error) {
	switch config.LoginStrategy {
	case "form":
		return portal.NewFormLoginFlow(base, config.LoginPath, config.SessionMarker, config.UserAgent, logger), nil
	case "browser":
		return portal.NewBrowserLoginFlow(base, config.LoginPath, config.SessionMarker, config.UserAgent, logger), nil
	default:
		return nil, fmt.Errorf("unsupported login strategy: %s (supported: form, browser)", config.LoginStrategy)
	}
}

func runServe(transport string, debugMode bool, httpAddr string, disableStreaming bool, portalConfig PortalConfig, storageConfig StorageConfig, metricsConfig MetricsConfig) error {
	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := logging.Setup(debugMode)

	if portalConfig.BaseURL == "" {
		return fmt.Errorf("portal URL is required (set --portal-url or PORTAL_BASE_URL)")
	}
	baseURL, err := url.Parse(portalConfig.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid portal URL %q: %w", portalConfig.BaseURL, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return fmt.Errorf("portal URL must be http or https, got %q", portalConfig.BaseURL)
	}

	// Initialize instrumentation provider
	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Error("instrumentation shutdown failed", logging.Err(err))
		}
	}()

	// Start metrics server if enabled and not in stdio mode
	var metricsServer *server.MetricsServer
	if transport != "stdio" && metricsConfig.Enabled && provider.Enabled() {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    metricsConfig.Addr,
			InstrumentationProvider: provider,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", logging.Err(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Error("metrics server shutdown failed", logging.Err(err))
			}
		}()
	}

	// Storage and crypto
	masterKey, ephemeral, err := resolveMasterKey(storageConfig)
	if err != nil {
		return err
	}
	if ephemeral {
		logger.Warn("no master key configured, using an ephemeral key; sessions will not survive a restart")
	}

	backend, err := newBackend(storageConfig)
	if err != nil {
		return err
	}

	sealer, err := store.NewSealer(masterKey)
	if err != nil {
		return fmt.Errorf("failed to initialize credential encryption: %w", err)
	}

	sessions := store.NewSessionStore(backend, sealer, logger)
	cache := store.NewCache(backend, logger)
	registry := store.NewRegistry(backend)

	// Portal session machinery
	flow, err := newLoginFlow(portalConfig, baseURL, logger)
	if err != nil {
		return err
	}

	manager := portal.NewManager(portal.ManagerConfig{
		BaseURL:         baseURL,
		ProbePath:       portalConfig.ProbePath,
		SessionMarker:   portalConfig.SessionMarker,
		UserAgent:       portalConfig.UserAgent,
		SessionLifetime: portalConfig.SessionLifetime,
	}, flow, sessions, logger)

	client := portal.NewClient(manager, cache, portal.ClientConfig{}, logger)

	deps := server.Deps{
		Backend:  backend,
		Sessions: sessions,
		Cache:    cache,
		Registry: registry,
		Manager:  manager,
		Portal:   client,
	}
	if provider.Enabled() {
		manager.SetMetrics(provider.Metrics())
		client.SetMetrics(provider.Metrics())
		deps.Provider = provider
		deps.AuditLogger = instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging)
	}

	serverContext := server.NewServerContext(shutdownCtx, deps)
	defer func() {
		if err := serverContext.Shutdown(); err != nil {
			logger.Error("server context shutdown failed", logging.Err(err))
		}
	}()

	// Create MCP server
	mcpSrv := mcpserver.NewMCPServer("schoolgate", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false), // Subscribe and listChanged
	)

	// Register all tools and resources
	if err := registerAllTools(mcpSrv, serverContext); err != nil {
		return err
	}

	logger.Info("portal configured",
		logging.URL(baseURL.String()),
		"login_strategy", portalConfig.LoginStrategy,
		"storage", storageConfig.Type,
	)

	// Start the appropriate server based on transport type
	switch transport {
	case "stdio":
		return runStdioServer(mcpSrv)
	case "streamable-http":
		return runStreamableHTTPServer(shutdownCtx, mcpSrv, serverContext, httpAddr, disableStreaming, metricsConfig)
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", transport)
	}
}

func runStdioServer(mcpSrv *mcpserver.MCPServer) error {
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv); err != nil {
			serverDone <- err
		}
	}()

	err := <-serverDone
	if err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

// registerAllTools registers all MCP tools and resources
func registerAllTools(mcpSrv *mcpserver.MCPServer, ctx *server.ServerContext) error {
	// Define all tool registrations
	type toolRegistration struct {
		name     string
		register func() error
	}

	registrations := []toolRegistration{
		{
			name: "Auth",
			register: func() error {
				return auth_tools.RegisterAuthTools(mcpSrv, ctx)
			},
		},
		{
			name: "Directory",
			register: func() error {
				return directory_tools.RegisterDirectoryTools(mcpSrv, ctx)
			},
		},
		{
			name: "Calendar",
			register: func() error {
				return calendar_tools.RegisterCalendarTools(mcpSrv, ctx)
			},
		},
		{
			name: "Lunch",
			register: func() error {
				return lunch_tools.RegisterLunchTools(mcpSrv, ctx)
			},
		},
		{
			name: "User Resources",
			register: func() error {
				return resources.RegisterUserResources(mcpSrv, ctx)
			},
		},
	}

	// Register all tools
	for _, reg := range registrations {
		if err := reg.register(); err != nil {
			return fmt.Errorf("failed to register %s: %w", reg.name, err)
		}
	}

	return nil
}

func runStreamableHTTPServer(ctx context.Context, mcpSrv *mcpserver.MCPServer, serverContext *server.ServerContext, addr string, disableStreaming bool, metricsConfig MetricsConfig) error {
	healthChecker := server.NewHealthChecker(serverContext)
	httpServer := server.NewHTTPServer(mcpSrv, healthChecker, disableStreaming)

	fmt.Printf("Starting schoolgate MCP server with streamable-http transport on %s\n", addr)
	fmt.Printf("  HTTP endpoint: /mcp\n")
	fmt.Printf("  Health endpoints: /healthz, /readyz\n")
	if metricsConfig.Enabled {
		fmt.Printf("  Metrics endpoint: %s/metrics\n", metricsConfig.Addr)
	}

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Println("Shutdown signal received, stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
		fmt.Println("HTTP server stopped normally")
	}

	fmt.Println("HTTP server gracefully stopped")
	return nil
}
