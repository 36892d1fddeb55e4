// ABOUTME: Gateway orchestrator that coordinates the HTTP server, agent sessions and reconciliation
// ABOUTME: Manages the store, agent registry, dispatcher and health endpoints lifecycle

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ayman-m/yaragent/internal/agent"
	"github.com/ayman-m/yaragent/internal/auth"
	"github.com/ayman-m/yaragent/internal/config"
	"github.com/ayman-m/yaragent/internal/reconcile"
	"github.com/ayman-m/yaragent/internal/store"
)

// Gateway orchestrates the orchestrator's server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	agentManager *agent.Manager
	dispatcher   *agent.Dispatcher
	reconciler   *reconcile.Reconciler
	auth         *auth.Authenticator
	httpServer   *http.Server
	logger       *slog.Logger

	// sessions tracks running agent read loops so shutdown can wait for
	// their final disconnect writes before closing the store.
	sessions sync.WaitGroup

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New opens the configured store and creates a Gateway around it.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	gw, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore creates a Gateway over an already open store. The Gateway
// takes ownership of s and closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	authenticator, err := auth.NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring auth: %w", err)
	}

	agentMgr := agent.NewManager(s, cfg.Agents.EphemeralLease, logger)

	gw := &Gateway{
		config:       cfg,
		store:        s,
		agentManager: agentMgr,
		dispatcher:   agent.NewDispatcher(agentMgr, s, cfg.Agents.DispatchTimeout, logger),
		reconciler:   reconcile.New(s, agentMgr, cfg.Agents, logger),
		auth:         authenticator,
		logger:       logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if !authenticator.Enabled() {
		gw.logger.Warn("API authentication disabled; all callers are anonymous")
	}
	return gw, nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints and the agent socket - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /agent/ws", g.handleAgentWS)

	g.registerAPIRoutes(mux)
	return mux
}

// Startup runs the startup sweep and starts the reconciliation loop. A failed
// sweep is logged; the loop retries on its next tick.
func (g *Gateway) Startup(ctx context.Context) {
	if _, err := g.reconciler.StartupSweep(ctx); err != nil {
		g.logger.Error("startup sweep failed", "error", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.loopCancel = cancel
	g.loopDone = make(chan struct{})
	go func() {
		defer close(g.loopDone)
		g.reconciler.Run(loopCtx)
	}()
}

// startServer starts the HTTP server in a goroutine, returning error channel.
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

// Run sweeps the store, starts serving and blocks until ctx is cancelled or
// the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	g.Startup(ctx)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = g.gracefulShutdown()
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := g.startServer(ln)

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

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
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

// Shutdown stops the reconciliation loop, stops accepting requests, closes
// every agent socket and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	if g.loopCancel != nil {
		g.loopCancel()
		select {
		case <-g.loopDone:
		case <-ctx.Done():
		}
	}

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.agentManager.CloseAll()
	g.waitSessions(ctx)

	errs = appendCloseError(errs, "store close", g.store.Close())
	return errors.Join(errs...)
}

func (g *Gateway) waitSessions(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("timed out waiting for agent sessions to end")
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": "store unreachable"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ready", "agents": g.agentManager.Count()})
}
