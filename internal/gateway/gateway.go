// ABOUTME: Gateway orchestrator wiring store, bus, model, tools, and connectors
// ABOUTME: Owns the HTTP server and the graceful shutdown sequence

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hearthd/hearth-gateway/internal/agent"
	"github.com/hearthd/hearth-gateway/internal/auth"
	"github.com/hearthd/hearth-gateway/internal/bus"
	"github.com/hearthd/hearth-gateway/internal/config"
	"github.com/hearthd/hearth-gateway/internal/connector"
	"github.com/hearthd/hearth-gateway/internal/dedupe"
	"github.com/hearthd/hearth-gateway/internal/dispatch"
	"github.com/hearthd/hearth-gateway/internal/model"
	"github.com/hearthd/hearth-gateway/internal/schedule"
	"github.com/hearthd/hearth-gateway/internal/store"
	"github.com/hearthd/hearth-gateway/internal/tool"
	"github.com/hearthd/hearth-gateway/internal/worker"
)

// Gateway composes the whole service. Everything talks through the bus;
// the gateway only wires the pieces and manages their lifecycles.
type Gateway struct {
	config     *config.Config
	logger     *slog.Logger
	store      store.Store
	bus        *bus.MessageBus
	backend    model.Backend
	registry   *tool.Registry
	scheduler  *schedule.Scheduler
	loop       *agent.Loop
	dispatcher *dispatch.Dispatcher
	connectors *connector.Manager
	pool       *worker.Pool
	httpServer *http.Server
}

// initStore creates the SQLite store, honouring the HEARTH_DB_PATH override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HEARTH_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway from configuration. Nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := model.New(&cfg.LLM)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initializing model backend: %w", err)
	}

	b := bus.NewBus(cfg.Bus.Capacity, logger)
	seen := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	manager := connector.NewManager(logger)
	dispatcher := dispatch.New(manager, logger)
	scheduler := schedule.New(s, b, logger)

	registry := tool.NewRegistry(logger)
	if err := registry.RegisterAll(tool.Builtins(s, dispatcher, scheduler)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	g := &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		store:      s,
		bus:        b,
		backend:    backend,
		registry:   registry,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		connectors: manager,
		loop:       agent.New(b, s, backend, registry, dispatcher, cfg.Agent, cfg.LLM, logger),
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	mw := auth.NewMiddleware(verifier, cfg.Auth.APIKeys)
	if mw.Enabled() {
		logger.Info("HTTP auth enabled")
	} else {
		logger.Warn("HTTP auth disabled: no jwt_secret or api_keys configured")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	if cfg.Connectors.HTTP.Enabled {
		hc := connector.NewHTTP(b, s, seen, cfg.Agent.Name, cfg.Bus.ReplyTimeout, logger)
		hc.Routes(mux, mw)
		if err := manager.Register(hc); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	if cfg.Connectors.WebSocket.Enabled {
		wc := connector.NewWS(b, seen, cfg.Agent.Name, cfg.Connectors.WebSocket.Path, logger)
		wc.Routes(mux, mw)
		if err := manager.Register(wc); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	if cfg.Workers.Enabled {
		g.pool = worker.NewPool(cfg.Workers.Command, cfg.Workers.Count, cfg.Workers.TaskTimeout, logger)
		g.loop.SetOffloader(&poolOffload{
			pool:       g.pool,
			store:      s,
			dispatcher: dispatcher,
			scheduler:  scheduler,
			logger:     logger.With("component", "offload"),
		})
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Run starts every component and blocks until ctx is cancelled or a server
// fails, then shuts everything down in dependency order.
func (g *Gateway) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if g.pool != nil {
		if err := g.pool.Start(runCtx); err != nil {
			return fmt.Errorf("starting worker pool: %w", err)
		}
	}

	if err := g.installWake(runCtx); err != nil {
		return fmt.Errorf("installing wake job: %w", err)
	}

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		_ = g.scheduler.Run(runCtx)
	}()
	go func() {
		defer background.Done()
		_ = g.loop.Run(runCtx)
	}()
	g.connectors.StartAll(runCtx)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		cancel()
		background.Wait()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
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

	cancel()
	background.Wait()

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// installWake makes sure the periodic wake job reflects configuration. The
// wake lands in the owner's direct conversation on the HTTP connector.
func (g *Gateway) installWake(ctx context.Context) error {
	owner := g.config.Agent.Owner
	if owner == "" {
		owner = "owner"
	}
	key := bus.ConversationKey(connector.HTTPName, false, owner, "")
	return g.scheduler.EnsureWake(ctx, g.config.Agent.WakeInterval, connector.HTTPName, key)
}

// gracefulShutdown runs with a fresh context; the run context is already
// cancelled by the time we get here.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, connectors, workers, bus, and store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.connectors.StopAll()
	if g.pool != nil {
		g.pool.Stop()
	}
	g.bus.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness: the bus accepting work and, when workers
// are enabled, at least one healthy worker.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.pool != nil {
		healthy := g.pool.Ping(r.Context())
		if healthy == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("no healthy workers"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ready (%d workers)", healthy)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d pending)", g.bus.PendingCount())
}
