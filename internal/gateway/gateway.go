// ABOUTME: Gateway orchestrator that wires store, engine, syncer and HTTP server
// ABOUTME: Manages listener setup, idle-session sweeping and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jqsirls/storygate/internal/channel"
	"github.com/jqsirls/storygate/internal/config"
	"github.com/jqsirls/storygate/internal/conflict"
	"github.com/jqsirls/storygate/internal/engine"
	"github.com/jqsirls/storygate/internal/notify"
	"github.com/jqsirls/storygate/internal/session"
	"github.com/jqsirls/storygate/internal/syncer"
)

// sweepInterval is how often the idle-session sweeper runs. The cutoff it
// applies comes from sessions.idle_ttl in config.
const sweepInterval = time.Minute

// Gateway orchestrates the storygate server components. It owns the session
// store, channel registry, conversation engine, cross-channel syncer and the
// HTTP server that fronts them.
type Gateway struct {
	config     *config.Config
	store      session.Store
	registry   *channel.Registry
	engine     *engine.Engine
	syncer     *syncer.Syncer
	notifier   *notify.Notifier
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates the session store based on config and environment.
func initStore(cfg *config.Config) (session.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("STORYGATE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := session.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildRegistry registers the built-in channel adapters.
func buildRegistry(logger *slog.Logger) (*channel.Registry, error) {
	registry := channel.NewRegistry(logger)
	adapters := []channel.Adapter{
		channel.NewWebChatAdapter(),
		channel.NewVoiceAssistantAdapter(),
		channel.NewMobileVoiceAdapter(),
		channel.NewDirectAPIAdapter(),
	}
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			return nil, fmt.Errorf("registering %s adapter: %w", a.Type(), err)
		}
	}
	return registry, nil
}

// New creates a Gateway from config with the given dialogue router backend.
func New(cfg *config.Config, router engine.Router, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(logger.With("component", "channel"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	notifier := notify.NewNotifier(logger.With("component", "notify"))

	resolver := conflict.NewResolver(conflict.Config{
		Precedence:      cfg.Conflict.Precedence,
		UserPreferences: cfg.Conflict.UserPreferences,
	}, logger.With("component", "conflict"))

	sync := syncer.New(store, resolver, notifier, syncer.Config{
		CoalescingWindow:   cfg.Sync.CoalescingWindow,
		StalenessThreshold: cfg.Sync.StalenessThreshold,
		PropagationTimeout: cfg.Sync.PropagationTimeout,
	}, logger.With("component", "syncer"))

	eng := engine.New(store, registry, router, sync, notifier, engine.Options{
		RouterTimeout:   cfg.Engine.RouterTimeout,
		SwitchTimeout:   cfg.Engine.SwitchTimeout,
		StreamChunkSize: cfg.Engine.StreamChunkSize,
	}, logger.With("component", "engine"))

	g := &Gateway{
		config:   cfg,
		store:    store,
		registry: registry,
		engine:   eng,
		syncer:   sync,
		notifier: notifier,
		logger:   logger.With("component", "gateway"),
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// buildRouter assembles the chi router with all gateway routes.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Post("/api/conversations", g.handleStartConversation)
	r.Post("/api/messages", g.handleMessage)
	r.Post("/api/sessions/{id}/switch", g.handleSwitchChannel)
	r.Delete("/api/sessions/{id}", g.handleEndConversation)
	r.Get("/api/sessions/{id}/sync", g.handleSyncHealth)
	r.Get("/api/sessions/{id}/conflicts", g.handleListConflicts)

	r.Get("/ws/chat", g.handleWebChat)

	return r
}

// Handler exposes the assembled HTTP handler for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupListener creates the TCP listener for the HTTP server.
func (g *Gateway) setupListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
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

// waitForShutdownSignal waits for context cancellation or a server error.
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

// runSweeper destroys idle sessions on a ticker until the context is canceled.
func (g *Gateway) runSweeper(ctx context.Context) {
	ttl := g.config.Sessions.IdleTTL
	if ttl <= 0 {
		return
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-ttl)
			expired, err := g.store.ExpireIdleSessions(ctx, cutoff)
			if err != nil {
				g.logger.Error("idle session sweep failed", "error", err)
				continue
			}
			if len(expired) > 0 {
				g.logger.Info("expired idle sessions", "count", len(expired))
				for _, id := range expired {
					g.notifier.Publish(&notify.Event{
						Kind:      notify.KindSessionEnded,
						SessionID: id,
						Detail:    map[string]any{"reason": "idle timeout"},
					})
				}
			}
		}
	}
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener()
	if err != nil {
		return err
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go g.runSweeper(sweepCtx)

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server, drains pending sync batches and
// releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.syncer.Close()
	g.notifier.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once channel adapters are registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	types := g.registry.Types()
	if len(types) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no channel adapters registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d channels)", len(types))
}
