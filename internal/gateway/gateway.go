// ABOUTME: Gateway orchestrator that wires the connector, capability, and chat layers
// ABOUTME: Owns the HTTP server, optional tailnet listener, background sweeper, and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-connect/internal/auth"
	"github.com/2389/coven-connect/internal/builtins"
	"github.com/2389/coven-connect/internal/config"
	"github.com/2389/coven-connect/internal/confirm"
	"github.com/2389/coven-connect/internal/connector"
	"github.com/2389/coven-connect/internal/conversation"
	"github.com/2389/coven-connect/internal/dedupe"
	"github.com/2389/coven-connect/internal/mcp"
	"github.com/2389/coven-connect/internal/metrics"
	"github.com/2389/coven-connect/internal/packs"
	"github.com/2389/coven-connect/internal/store"
	"github.com/2389/coven-connect/internal/vault"
)

// mcpSessionMaxAge is how long an idle MCP client session is kept.
const mcpSessionMaxAge = 24 * time.Hour

// Gateway orchestrates the coven-connect server components.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	redisStates *store.RedisOAuthStateStore
	tsnetServer *tsnet.Server
	httpServer  *http.Server
	logger      *slog.Logger

	verifier     *auth.JWTVerifier
	connectors   *connector.Registry
	oauth        *connector.OAuthManager
	packRegistry *packs.Registry
	loader       *packs.Loader
	gate         *confirm.Gate
	conversation *conversation.Service
	broadcaster  *conversation.Broadcaster
	dedupe       *dedupe.Cache
	mcpServer    *mcp.Server

	// now is the sweeper's clock.
	now func() time.Time
}

// openVault builds the credential vault from a raw key or a passphrase.
func openVault(cfg config.VaultConfig) (*vault.Vault, error) {
	if cfg.Key != "" {
		return vault.NewFromBase64(cfg.Key)
	}
	return vault.Derive(cfg.Passphrase, []byte(cfg.Salt), cfg.Iterations)
}

// providerConfigs translates configured OAuth providers, filling in
// redirect URLs from the server's base URL.
func providerConfigs(cfg *config.Config) []connector.ProviderConfig {
	out := make([]connector.ProviderConfig, 0, len(cfg.OAuth.Providers))
	for _, p := range cfg.OAuth.Providers {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		out = append(out, connector.ProviderConfig{
			ID:           p.ID,
			Name:         name,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			IssuerURL:    p.IssuerURL,
			RedirectURL:  cfg.RedirectURL(p),
			Scopes:       p.Scopes,
		})
	}
	return out
}

// registerSystemPacks installs the built-in capability packs backed by the
// record store.
func registerSystemPacks(registry *packs.Registry, records store.RecordStore) error {
	return builtins.RegisterAll(registry, builtins.Services{
		Inventory: builtins.NewRecordInventory(records),
		Billing:   builtins.NewRecordBilling(records),
	})
}

// New creates a Gateway from configuration. OIDC discovery and the Redis
// connection happen here, so ctx bounds startup.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	gw := &Gateway{
		config: cfg,
		store:  sqlStore,
		logger: logger.With("component", "gateway"),
		now:    time.Now,
	}
	if err := gw.wire(ctx, logger); err != nil {
		gw.closeOptionalComponents()
		_ = sqlStore.Close()
		return nil, err
	}
	return gw, nil
}

// wire builds every component on top of the opened store.
func (g *Gateway) wire(ctx context.Context, logger *slog.Logger) error {
	cfg := g.config

	v, err := openVault(cfg.Vault)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	g.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	var states store.OAuthStateStore = g.store
	if cfg.Redis.URL != "" {
		g.redisStates, err = store.NewRedisOAuthStateStore(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		states = g.redisStates
		g.logger.Info("oauth states stored in redis")
	}

	g.connectors, err = connector.NewRegistry(connector.RegistryConfig{
		Store: g.store,
		Vault: v,
		Validator: connector.NewValidator(connector.ValidatorConfig{
			Timeout: cfg.Connectors.ValidateTimeout,
			Logger:  logger,
		}),
		MaxActive: cfg.Connectors.MaxActive,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating connector registry: %w", err)
	}

	providers, err := connector.NewProviders(ctx, providerConfigs(cfg), logger)
	if err != nil {
		return fmt.Errorf("loading oauth providers: %w", err)
	}
	g.oauth, err = connector.NewOAuthManager(connector.OAuthConfig{
		States:    states,
		Providers: providers,
		Registry:  g.connectors,
		StateTTL:  cfg.OAuth.StateTTL,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating oauth manager: %w", err)
	}

	g.packRegistry = packs.NewRegistry(logger)
	if err := registerSystemPacks(g.packRegistry, g.store); err != nil {
		return fmt.Errorf("registering builtin packs: %w", err)
	}
	registry := g.connectors
	g.loader, err = packs.NewLoader(packs.LoaderConfig{
		System:     g.packRegistry,
		Connectors: registry,
		Dial: func(c *store.Connector) (packs.ToolClient, error) {
			cl, err := registry.Client(c)
			if err != nil {
				return nil, err
			}
			return cl, nil
		},
		QueryTimeout: cfg.Connectors.QueryTimeout,
		RetryDelay:   cfg.Connectors.RetryDelay,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating capability loader: %w", err)
	}

	sessions := conversation.NewSessions(conversation.SessionsConfig{
		Store:       g.store,
		HistorySize: cfg.Sessions.HistorySize,
		Logger:      logger,
	})
	g.gate = confirm.NewGate(confirm.Config{
		TTL:      cfg.Sessions.ConfirmationTTL,
		Sessions: sessions,
		Logger:   logger,
	})
	g.dedupe = dedupe.New(cfg.Sessions.ReplayWindow, dedupe.DefaultMaxSize)
	g.broadcaster = conversation.NewBroadcaster(logger)
	g.conversation, err = conversation.NewService(conversation.ServiceConfig{
		Sessions:    sessions,
		Loader:      g.loader,
		Gate:        g.gate,
		Replay:      g.dedupe,
		Broadcaster: g.broadcaster,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating conversation service: %w", err)
	}

	gate := g.gate
	g.mcpServer, err = mcp.NewServer(mcp.Config{
		Tools: packs.NewToolProvider(g.loader, func(c *packs.Capability) bool {
			return gate.RequiresConfirmation(c.RawName, c.Irreversible)
		}),
		TokenVerifier: g.verifier,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Handler returns the gateway's HTTP handler with all routes registered.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	g.registerHTTPAPIRoutes(mux)
	g.mcpServer.RegisterRoutes(mux)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, metrics.Handler())
	}
	return metrics.Middleware(mux)
}

// registerHTTPAPIRoutes registers the authenticated API routes. The OAuth
// callback is the one exception: the provider redirects the browser there
// without a bearer token, and the one-time state binds it to its owner.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) {
	authMiddleware := auth.HTTPAuthMiddleware(g.verifier, g.logger)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	handle("GET /api/connectors", g.handleListConnectors)
	handle("POST /api/connectors", g.handleCreateConnector)
	handle("POST /api/connectors/test", g.handleTestConnector)
	handle("GET /api/connectors/{id}", g.handleGetConnector)
	handle("PATCH /api/connectors/{id}", g.handleUpdateConnector)
	handle("DELETE /api/connectors/{id}", g.handleDeleteConnector)
	handle("POST /api/connectors/{id}/toggle", g.handleToggleConnector)
	handle("POST /api/connectors/{id}/verify", g.handleVerifyConnector)

	handle("GET /api/oauth/providers", g.handleListProviders)
	handle("GET /api/oauth/{provider}/start", g.handleOAuthStart)
	mux.HandleFunc("GET /api/oauth/{provider}/callback", g.handleOAuthCallback)

	handle("GET /api/capabilities", g.handleListCapabilities)
	handle("GET /api/system-capabilities", g.handleSystemCapabilities)

	handle("POST /api/chat", g.handleChat)
	handle("GET /api/sessions/{id}", g.handleGetSession)
	handle("GET /api/sessions/{id}/events", g.handleSessionEvents)
}

// setupTCPListener creates the standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the server and the sweeper and blocks until ctx is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		g.runSweeper(sweepCtx, g.config.Sessions.SweepInterval)
	}()

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopSweeper()
	<-sweeperDone
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// runSweeper clears expired pending actions, OAuth states, and idle MCP
// sessions every interval until ctx is done.
func (g *Gateway) runSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs one sweep pass. A panic is logged and the pass abandoned
// so the next tick still runs.
func (g *Gateway) sweepOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("sweeper panic", "panic", r)
		}
	}()

	if n, err := g.gate.Sweep(ctx, g.now()); err != nil {
		g.logger.Warn("pending action sweep failed", "error", err)
	} else if n > 0 {
		g.logger.Debug("pending actions expired", "count", n)
	}
	if n, err := g.oauth.PurgeExpired(ctx); err != nil {
		g.logger.Warn("oauth state purge failed", "error", err)
	} else if n > 0 {
		g.logger.Debug("oauth states purged", "count", n)
	}
	if n := g.mcpServer.PruneSessions(mcpSessionMaxAge); n > 0 {
		g.logger.Debug("idle MCP sessions pruned", "count", n)
	}
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-connect", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or on :443
// through Funnel when public access is enabled.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ln net.Listener
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeOptionalComponents closes components that may not have been built.
func (g *Gateway) closeOptionalComponents() {
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
	if g.redisStates != nil {
		if err := g.redisStates.Close(); err != nil {
			g.logger.Warn("closing redis", "error", err)
		}
	}
}

// Shutdown gracefully stops the server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	g.closeOptionalComponents()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
