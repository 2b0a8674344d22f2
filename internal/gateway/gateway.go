// ABOUTME: Gateway orchestrator that wires the service pipeline behind one HTTP server
// ABOUTME: Manages store, blob, engine, caches, background workers and listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/airrange-io/spreadapi-gateway/internal/async"
	"github.com/airrange-io/spreadapi-gateway/internal/auth"
	"github.com/airrange-io/spreadapi-gateway/internal/blob"
	"github.com/airrange-io/spreadapi-gateway/internal/cache"
	"github.com/airrange-io/spreadapi-gateway/internal/calc"
	"github.com/airrange-io/spreadapi-gateway/internal/config"
	"github.com/airrange-io/spreadapi-gateway/internal/engine"
	"github.com/airrange-io/spreadapi-gateway/internal/mcp"
	"github.com/airrange-io/spreadapi-gateway/internal/printjob"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
	"github.com/airrange-io/spreadapi-gateway/internal/store"
	"github.com/airrange-io/spreadapi-gateway/internal/webhook"
)

// Version is reported by the MCP server.
var Version = "dev"

// Components are the external systems the gateway runs against. New opens
// them from config; tests pass fakes to NewWithComponents.
type Components struct {
	Store  store.Store
	Blobs  blob.Store // nil when every definition is referenced by URL
	Engine engine.Engine

	// WebhookResolver overrides DNS resolution for webhook URL checks.
	WebhookResolver webhook.Resolver
}

// Gateway orchestrates the spreadapi-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	blobs       blob.Store
	pool        *async.Pool
	registry    *service.Registry
	workbooks   *cache.WorkbookCache
	executor    *calc.Executor
	tokens      *auth.Authority
	jwt         *auth.JWTVerifier
	printJobs   *printjob.Store
	mcpServer   *mcp.Server
	limiter     *clientLimiter
	validate    *validator.Validate
	markdown    goldmark.Markdown
	handler     http.Handler
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// publicURL is the external base URL used in discovery documents
	publicURL string

	// stopBackground cancels the store sweeper and limiter cleanup
	stopBackground context.CancelFunc
}

// New opens the configured store, blob store and engine and builds a Gateway.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	return NewWithComponents(cfg, Components{
		Store:  s,
		Blobs:  blobs,
		Engine: engine.NewHTTPEngine(cfg.Engine.URL, cfg.Engine.Timeout),
	}, logger)
}

// openStore creates the KV store selected by store.driver.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverRedis:
		s, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     cfg.Store.RedisAddr,
			DB:       cfg.Store.RedisDB,
			Password: cfg.Store.RedisPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing redis store: %w", err)
		}
		return s, nil
	default:
		path := cfg.Store.SQLitePath
		if envPath := os.Getenv("SPREADAPI_DB_PATH"); envPath != "" {
			path = envPath
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating store directory: %w", err)
			}
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// openBlobs creates the blob store selected by blob.driver.
func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.Blob.Driver != config.BlobMinio {
		return blob.NewMemoryStore(), nil
	}
	s, err := blob.NewMinioStore(ctx, blob.MinioConfig{
		Endpoint:  cfg.Blob.Endpoint,
		Region:    cfg.Blob.Region,
		Bucket:    cfg.Blob.Bucket,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
		UseSSL:    cfg.Blob.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing blob store: %w", err)
	}
	return s, nil
}

// NewWithComponents wires every pipeline stage around the given components.
func NewWithComponents(cfg *config.Config, c Components, logger *slog.Logger) (*Gateway, error) {
	if c.Store == nil || c.Engine == nil {
		return nil, errors.New("store and engine are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool := async.NewPool(cfg.Server.BackgroundWorkers, cfg.Server.BackgroundQueue, logger)

	loader := blob.NewLoader(c.Blobs, nil)

	registry := service.NewRegistry(c.Store, loader, logger)
	definitions := cache.NewDefinitionCache(c.Store, pool, cfg.Cache.DefinitionTTL, logger)
	results := cache.NewResultCache(c.Store, pool, cfg.Cache.ResultTTL, logger)
	workbooks := cache.NewWorkbookCache(cache.WorkbookOptions{
		MaxEntries:    cfg.Cache.WorkbookMaxEntries,
		MaxBytes:      cfg.Cache.WorkbookMaxBytes,
		MaxEntryBytes: cfg.Cache.WorkbookMaxEntryBytes,
		IdleTTL:       cfg.Cache.WorkbookIdleTTL,
		Logger:        logger,
	})
	registry.OnInvalidate(workbooks.Invalidate)

	webhooks := webhook.NewDispatcher(pool, webhook.Options{
		Timeout:    cfg.Webhook.Timeout,
		RateLimit:  cfg.Webhook.RateLimit,
		RateWindow: cfg.Webhook.RateWindow,
		Resolver:   c.WebhookResolver,
		Logger:     logger,
	})

	executor := calc.NewExecutor(calc.Deps{
		Registry:    registry,
		Definitions: definitions,
		Results:     results,
		Workbooks:   workbooks,
		Blobs:       loader,
		Engine:      c.Engine,
		Notifier:    webhooks,
		Logger:      logger,
	})

	tokens := auth.NewAuthority(c.Store, pool, logger)

	gw := &Gateway{
		config:      cfg,
		store:       c.Store,
		blobs:       c.Blobs,
		pool:        pool,
		registry:    registry,
		workbooks:   workbooks,
		executor:    executor,
		tokens:      tokens,
		jwt:         auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		printJobs:   printjob.New(c.Store, cfg.PrintJobs.TTL, logger),
		validate:    newValidator(),
		markdown:    goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:      logger.With("component", "gateway"),
		publicURL:   determinePublicURL(cfg),
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		gw.limiter = newClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	mcpServer, err := mcp.NewServer(mcp.Config{
		Registry:            registry,
		Executor:            executor,
		Tokens:              tokens,
		Logger:              logger,
		ServerVersion:       Version,
		ResourceMetadataURL: gw.publicURL + "/.well-known/oauth-protected-resource",
	})
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}
	gw.mcpServer = mcpServer

	gw.handler = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// determinePublicURL resolves the external base URL from config or environment.
func determinePublicURL(cfg *config.Config) string {
	if cfg.Server.PublicURL != "" {
		return strings.TrimSuffix(cfg.Server.PublicURL, "/")
	}
	if envURL := os.Getenv("SPREADAPI_PUBLIC_URL"); envURL != "" {
		return strings.TrimSuffix(envURL, "/")
	}
	if cfg.Tailscale.Enabled {
		return "https://" + cfg.Tailscale.Hostname
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") || strings.HasPrefix(addr, "0.0.0.0:") {
		_, port, _ := net.SplitHostPort(addr)
		addr = "localhost:" + port
	}
	return "http://" + addr
}

// Handler returns the fully wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// routes registers every endpoint and wraps the mux in the middleware chain.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Public service API; bearer tokens are optional and checked per service
	public := auth.BearerTokenMiddleware(g.tokens)
	mux.Handle("POST /api/v1/services/{id}/execute", public(http.HandlerFunc(g.handleExecute)))
	mux.Handle("GET /api/v1/services/{id}/execute", public(http.HandlerFunc(g.handleExecuteQuery)))
	mux.Handle("POST /api/v1/services/{id}/prewarm", public(http.HandlerFunc(g.handlePrewarm)))
	mux.HandleFunc("GET /api/v1/services/{id}", g.handleServiceInfo)
	mux.HandleFunc("GET /api/print-jobs/{id}", g.handleGetPrintJob)
	mux.HandleFunc("GET /api/print-jobs/{id}/status", g.handlePrintJobStatus)

	// Management API - dashboard JWT required
	user := auth.HTTPAuthMiddleware(g.jwt)
	mux.Handle("GET /api/services", user(http.HandlerFunc(g.handleListServices)))
	mux.Handle("GET /api/services/{id}", user(http.HandlerFunc(g.handleGetDraft)))
	mux.Handle("PUT /api/services/{id}", user(http.HandlerFunc(g.handleSaveDraft)))
	mux.Handle("DELETE /api/services/{id}", user(http.HandlerFunc(g.handleDeleteService)))
	mux.Handle("POST /api/services/{id}/publish", user(http.HandlerFunc(g.handlePublish)))
	mux.Handle("POST /api/services/{id}/unpublish", user(http.HandlerFunc(g.handleUnpublish)))
	mux.Handle("POST /api/definitions", user(http.HandlerFunc(g.handleUploadDefinition)))
	mux.Handle("POST /api/tokens", user(http.HandlerFunc(g.handleCreateToken)))
	mux.Handle("GET /api/tokens", user(http.HandlerFunc(g.handleListTokens)))
	mux.Handle("DELETE /api/tokens/{id}", user(http.HandlerFunc(g.handleRevokeToken)))
	mux.Handle("POST /api/print-jobs", user(http.HandlerFunc(g.handleCreatePrintJob)))
	mux.Handle("DELETE /api/print-jobs/{id}", user(http.HandlerFunc(g.handleDeletePrintJob)))

	// MCP endpoint and its OAuth discovery documents
	g.mcpServer.RegisterRoutes(mux)
	oauth := g.config.OAuth
	resource := oauth.Resource
	if resource == "" {
		resource = g.publicURL + "/mcp"
	}
	mcp.RegisterDiscovery(mux, mcp.DiscoveryConfig{
		Resource:              resource,
		Issuer:                oauth.Issuer,
		AuthorizationEndpoint: oauth.AuthorizationEndpoint,
		TokenEndpoint:         oauth.TokenEndpoint,
		RegistrationEndpoint:  oauth.RegistrationEndpoint,
		JWKSURI:               oauth.JWKSURI,
		Scopes:                oauth.Scopes,
	})

	var h http.Handler = mux
	h = g.withRateLimit(h)
	h = g.withAccessLog(h)
	h = g.withRecover(h)
	h = g.withRequestID(h)
	return h
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startBackground launches the maintenance loops that live as long as Run.
func (g *Gateway) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	g.stopBackground = cancel

	if sweeper, ok := g.store.(*store.SQLiteStore); ok {
		go sweeper.RunSweeper(ctx, g.config.Store.SweepInterval)
	}
	if g.limiter != nil {
		go g.limiter.run(ctx)
	}
}

// Run serves HTTP and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	g.startBackground()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "public_url", g.publicURL)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context since the run
// context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "spreadapi-gateway", "tailscale"), nil
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

// setupTailscaleListener joins the tailnet and listens on :443 with
// Tailscale certificates, or publicly through Funnel.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
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

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	}

	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// logTailscaleStatus logs the node address and switches the public URL to
// its tailnet DNS name when none was configured.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	if dnsName != "" && g.config.Server.PublicURL == "" {
		g.publicURL = "https://" + dnsName
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, drains background work and releases
// every component.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.stopBackground != nil {
		g.stopBackground()
	}
	// Pending cache writes and webhooks still need the store
	errs = appendCloseError(errs, "background drain", g.pool.Close(ctx))
	g.workbooks.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d workbooks loaded)", g.workbooks.Len())
}
