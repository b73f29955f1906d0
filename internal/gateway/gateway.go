// ABOUTME: Gateway orchestrator that wires the support stack and runs gRPC and HTTP servers
// ABOUTME: Manages store, providers, push fanout, optional relay and listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/config"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/dedupe"
	"github.com/2389/support-gateway/internal/notify"
	"github.com/2389/support-gateway/internal/provider"
	"github.com/2389/support-gateway/internal/relay"
	"github.com/2389/support-gateway/internal/shops"
	"github.com/2389/support-gateway/internal/store"
)

const (
	defaultInflightTTL    = 2 * time.Minute
	defaultHealthInterval = time.Minute
	inflightMaxEntries    = 10_000
)

// Gateway orchestrates the support-gateway server components.
// It serves the widget and agent console APIs over HTTP and health over gRPC.
type Gateway struct {
	config       *config.Config
	store        store.Store
	shops        *shops.Directory
	providers    []provider.CompletionProvider
	conversation *conversation.Service
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	logger       *slog.Logger

	// consoleServer serves the agent console on the tailnet; nil when
	// tailscale is disabled and agent routes share httpServer
	consoleServer *http.Server
	tailnet       *tsnet.Server

	// serverID identifies this gateway instance
	serverID string

	// broadcaster fans push events out to local websocket subscribers
	broadcaster *conversation.EventBroadcaster

	// relay shares events with other instances; nil unless redis is enabled
	relay       *relay.Relay
	redisClient *redis.Client

	// inflight rejects concurrent duplicates of the same client message
	inflight *dedupe.Cache

	// verifier guards the agent console; nil leaves it unmounted
	verifier auth.TokenVerifier

	upgrader        websocket.Upgrader
	providerTimeout time.Duration

	// healthyProviders is the count from the latest health sweep
	healthyProviders atomic.Int32
}

// initStore opens the SQLite store at the configured path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// initShops loads the shop directory, or starts with an empty one when no file is configured.
func initShops(cfg *config.Config, logger *slog.Logger) (*shops.Directory, error) {
	if cfg.Shops.Path == "" {
		logger.Warn("no shops file configured - every shop uses default assistant settings")
		return shops.NewDirectory(nil, logger), nil
	}
	return shops.Load(cfg.Shops.Path, logger)
}

// providerSettings maps configured providers to backend settings.
func providerSettings(cfgs []config.ProviderConfig) []provider.Settings {
	out := make([]provider.Settings, len(cfgs))
	for i, p := range cfgs {
		out[i] = provider.Settings{
			Name:         p.Name,
			Type:         p.Type,
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			Model:        p.Model,
			Priority:     p.Priority,
			Rates:        provider.Rates{InputPer1K: p.InputPer1K, OutputPer1K: p.OutputPer1K},
			Capabilities: p.Capabilities,
		}
	}
	return out
}

// createGRPCServer creates the gRPC server carrying the health service.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// createNotifier builds the escalation notifier, or nil when none is enabled.
func createNotifier(cfg *config.Config, logger *slog.Logger) (conversation.EscalationNotifier, error) {
	if !cfg.Escalation.Slack.Enabled {
		return nil, nil
	}
	n, err := notify.NewSlack(notify.SlackConfig{
		Token:      cfg.Escalation.Slack.BotToken,
		Channel:    cfg.Escalation.Slack.Channel,
		ConsoleURL: cfg.Server.PublicURL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating slack notifier: %w", err)
	}
	logger.Info("escalation notifications enabled", "channel", cfg.Escalation.Slack.Channel)
	return n, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	directory, err := initShops(cfg, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("loading shops: %w", err)
	}

	providers, err := provider.NewAll(providerSettings(cfg.Providers))
	if err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("creating providers: %w", err)
	}
	if len(providers) == 0 {
		logger.Warn("no completion providers configured - every message will fail until one is added")
	}

	providerTimeout := cfg.Orchestrator.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = provider.DefaultCallTimeout
	}
	inflightTTL := cfg.Orchestrator.InflightTTL
	if inflightTTL <= 0 {
		inflightTTL = defaultInflightTTL
	}

	notifier, err := createNotifier(cfg, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}

	gw := &Gateway{
		config:          cfg,
		store:           sqlStore,
		shops:           directory,
		providers:       providers,
		grpcServer:      createGRPCServer(),
		health:          health.NewServer(),
		logger:          logger.With("component", "gateway"),
		serverID:        generateServerID(),
		broadcaster:     conversation.NewEventBroadcaster(logger),
		inflight:        dedupe.New(inflightTTL, inflightMaxEntries),
		upgrader:        newUpgrader(cfg.Push.AllowedOrigins),
		providerTimeout: providerTimeout,
	}

	var publisher conversation.Publisher = gw.broadcaster
	if cfg.Redis.Enabled {
		gw.redisClient = relay.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		gw.relay = relay.New(gw.redisClient, gw.broadcaster, cfg.Redis.ChannelPrefix, logger)
		publisher = gw.relay
		logger.Info("redis relay enabled", "addr", cfg.Redis.Addr)
	}

	gw.conversation = conversation.New(conversation.Config{
		HistoryWindow:     cfg.Orchestrator.HistoryWindow,
		EscalationMessage: cfg.Orchestrator.EscalationMessage,
	}, conversation.Deps{
		Store:     sqlStore,
		Cascade:   provider.NewCascade(providers, providerTimeout, logger),
		Shops:     directory,
		Publisher: publisher,
		Notifier:  notifier,
		Inflight:  gw.inflight,
	}, logger)

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			gw.closeOptionalComponents()
			_ = sqlStore.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
	} else {
		logger.Warn("auth disabled - no jwt_secret configured, agent console API is not mounted")
	}

	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)
	gw.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	public, console := gw.routes(cfg.Tailscale.Enabled)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           public,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if console != nil {
		gw.consoleServer = &http.Server{
			Handler:           console,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return gw, nil
}

// routes builds the public mux and, when the console runs apart on the
// tailnet, a second mux holding only health and agent routes.
func (g *Gateway) routes(consoleApart bool) (public, console *http.ServeMux) {
	public = http.NewServeMux()
	public.HandleFunc("GET /health", g.handleHealth)
	public.HandleFunc("GET /health/ready", g.handleReady)
	g.registerWidgetRoutes(public)

	agents := public
	if consoleApart {
		console = http.NewServeMux()
		console.HandleFunc("GET /health", g.handleHealth)
		agents = console
	}
	if g.verifier != nil {
		g.registerAgentRoutes(agents)
	} else if consoleApart {
		g.logger.Warn("tailnet console has no agent routes without auth.jwt_secret")
	}
	return public, console
}

// ConsoleHandler returns the tailnet console handler, or nil when agent
// routes are served by Handler.
func (g *Gateway) ConsoleHandler() http.Handler {
	if g.consoleServer == nil {
		return nil
	}
	return g.consoleServer.Handler
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// ReloadShops re-reads the shops file. The previous settings stay on error.
func (g *Gateway) ReloadShops() error {
	return g.shops.Reload()
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"server_id", g.serverID,
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// Run starts the servers and background loops and blocks until ctx is canceled
// or one of them fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupTCPListeners()
	if err != nil {
		return err
	}

	var consoleListener net.Listener
	if g.consoleServer != nil {
		consoleListener, err = g.startTailnet(ctx, g.config.Tailscale)
		if err != nil {
			if grpcListener != nil {
				_ = grpcListener.Close()
			}
			_ = httpListener.Close()
			return err
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)

	if grpcListener != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC server listening", "addr", grpcListener.Addr().String())
			if err := g.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpListener.Addr().String())
		if err := g.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if consoleListener != nil {
		eg.Go(func() error {
			if err := g.consoleServer.Serve(consoleListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("console server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		g.watchProviders(egCtx)
		return nil
	})

	if g.relay != nil {
		eg.Go(func() error { return g.relay.Run(egCtx) })
	}

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeOptionalComponents closes optional components that may be nil.
func (g *Gateway) closeOptionalComponents() {
	if g.inflight != nil {
		g.inflight.Close()
	}
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
	if g.redisClient != nil {
		_ = g.redisClient.Close()
	}
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)

	if g.consoleServer != nil {
		errs = appendCloseError(errs, "console shutdown", g.consoleServer.Shutdown(ctx))
	}
	if g.tailnet != nil {
		errs = appendCloseError(errs, "tailnet shutdown", g.tailnet.Close())
	}

	g.closeOptionalComponents()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("support-gateway-%d", time.Now().UnixNano()%1000000)
}
