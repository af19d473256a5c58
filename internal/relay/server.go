// ABOUTME: Relay server orchestrator: routes, listeners, lifecycle.
// ABOUTME: Manages the agent registry, store, metrics, and graceful shutdown.

package relay

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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/bwolfe502/pacbot-relay/internal/config"
	"github.com/bwolfe502/pacbot-relay/internal/store"
)

// Server is the relay: it accepts agent control connections over websocket
// and proxies browser HTTP requests to them.
type Server struct {
	config   *config.Config
	registry *Registry
	store    store.Store
	metrics  *Metrics
	logger   *slog.Logger

	secret             string
	requestTimeout     time.Duration
	streamChunkTimeout time.Duration
	maxMessageBytes    int64

	uploadDir        string
	uploadMaxSizeMB  int64
	uploadKeepPerBot int

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// initStore creates a store based on config, honoring PACBOT_RELAY_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PACBOT_RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a relay server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	uploadDir := cfg.Uploads.Dir
	if uploadDir == "" {
		uploadDir = filepath.Join(os.TempDir(), "pacbot-relay-uploads")
	}

	s := &Server{
		config:             cfg,
		registry:           NewRegistry(logger.With("component", "registry")),
		store:              st,
		metrics:            NewMetrics(),
		logger:             logger.With("component", "relay"),
		secret:             cfg.Relay.Secret,
		requestTimeout:     cfg.Relay.RequestTimeout,
		streamChunkTimeout: cfg.Relay.StreamChunkTimeout,
		maxMessageBytes:    cfg.Relay.MaxMessageBytes,
		uploadDir:          uploadDir,
		uploadMaxSizeMB:    cfg.Uploads.MaxSizeMB,
		uploadKeepPerBot:   cfg.Uploads.KeepPerBot,
	}

	mux := http.NewServeMux()

	// Reserved routes live under /-/ so they can never collide with a bot
	// name; identities starting with '-' are rejected at registration.
	mux.HandleFunc("/ws/tunnel", s.handleTunnel)
	mux.HandleFunc("/-/health", s.handleHealth)
	mux.HandleFunc("/-/ready", s.handleReady)
	mux.HandleFunc("/-/upload", s.handleUpload)
	mux.HandleFunc("/-/admin", s.handleAdminRoutes)
	mux.HandleFunc("/-/admin/", s.handleAdminRoutes)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Everything else is the landing page or a /<bot>/... proxy path.
	mux.HandleFunc("/", s.handleProxy)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// AgentRegistry exposes the agent registry for embedding callers.
func (s *Server) AgentRegistry() *Registry {
	return s.registry
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// recordConnectionEvent persists a connection lifecycle event. Best effort:
// a store failure is logged, never surfaced to the connection path.
func (s *Server) recordConnectionEvent(ctx context.Context, bot string, event store.ConnectionEventType, remoteAddr string) {
	err := s.store.RecordConnectionEvent(ctx, &store.ConnectionEvent{
		Bot:        bot,
		Event:      event,
		RemoteAddr: remoteAddr,
	})
	if err != nil {
		s.logger.Warn("recording connection event", "bot", bot, "event", event, "error", err)
	}
}

// setupListeners creates a listener based on configuration (Tailscale or TCP).
func (s *Server) setupListeners(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}

	s.logger.Info("starting relay", "http_addr", s.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
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
	return filepath.Join(homeDir, ".local", "share", "pacbot-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns its HTTP listener.
// With funnel enabled the relay is reachable from the public internet over
// HTTPS, which is how browsers outside the tailnet reach their bots.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

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

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.Funnel {
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	}

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// Run starts the relay server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the relay server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	// Drop every control connection; pending browser requests get 502s.
	for _, info := range s.registry.ListAgents() {
		if conn, ok := s.registry.Lookup(info.Identity); ok {
			conn.CancelAll("relay shutting down")
			_ = conn.Close()
		}
	}

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one bot is connected.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := s.registry.ListAgents()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no bots connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d bots)", len(agents))
}
