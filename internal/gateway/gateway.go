// ABOUTME: Main gateway assembly wiring config, store, hub, session, reply, and dispatch
// ABOUTME: Owns the HTTP server lifecycle with graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/dedupe"
	"github.com/pairlink/pairlink/internal/dispatch"
	"github.com/pairlink/pairlink/internal/hub"
	"github.com/pairlink/pairlink/internal/provider"
	"github.com/pairlink/pairlink/internal/records"
	"github.com/pairlink/pairlink/internal/reply"
	"github.com/pairlink/pairlink/internal/session"
	"github.com/pairlink/pairlink/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Gateway assembles every component of the bridge and serves the control
// surface.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	msgs      *store.MemoryStore
	events    *hub.Hub
	machine   *session.Machine
	settings  *reply.SettingsStore
	orch      *reply.Orchestrator
	dispatch  *dispatch.Dispatcher
	records   *records.Store
	dedupe    *dedupe.Cache
	responder *responder

	mux        *http.ServeMux
	httpServer *http.Server
}

// New creates a fully wired gateway over the given driver. The driver's
// events must be delivered to HandleDriverEvent.
func New(cfg *config.Config, drv session.Driver, logger *slog.Logger) (*Gateway, error) {
	return newWith(cfg, drv, buildProviders(cfg), logger)
}

// buildProviders constructs the enabled completion backends from config.
func buildProviders(cfg *config.Config) map[string]provider.Provider {
	providers := make(map[string]provider.Provider)
	if cfg.Providers.OpenAI.Enabled {
		p := cfg.Providers.OpenAI
		providers["openai"] = provider.NewOpenAI(p.BaseURL, p.APIKey, p.Model, p.Timeout)
	}
	if cfg.Providers.Anthropic.Enabled {
		p := cfg.Providers.Anthropic
		providers["anthropic"] = provider.NewAnthropic(p.BaseURL, p.APIKey, p.Model, p.Timeout)
	}
	return providers
}

func newWith(cfg *config.Config, drv session.Driver, providers map[string]provider.Provider, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		records: records.NewStore(),
	}

	// Store first, hub over it, then wire the store's notify hook so every
	// append becomes a hub event.
	g.msgs = store.NewMemoryStore(nil)
	g.events = hub.New(g.msgs.Recent, hub.Options{
		QueueSize:        cfg.Hub.QueueSize,
		SnapshotMessages: cfg.Hub.SnapshotMessages,
	}, logger)
	g.msgs.SetNotify(g.events.PublishMessage)

	g.dedupe = dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)

	known := make([]string, 0, len(providers))
	for name := range providers {
		known = append(known, name)
	}
	g.settings = reply.NewSettingsStore(reply.Settings{
		Provider:      cfg.Reply.Provider,
		AutoReply:     cfg.Reply.AutoReply,
		SystemPrompt:  cfg.Reply.SystemPrompt,
		Temperature:   cfg.Reply.Temperature,
		MaxTokens:     cfg.Reply.MaxTokens,
		HistoryBudget: cfg.Reply.HistoryBudget,
	}, known)

	g.orch = reply.New(providers, g.settings, g.msgs, reply.Options{
		Concurrency: cfg.Reply.Concurrency,
	}, logger)

	g.machine = session.New(drv, g.events, nil, session.Options{
		PairingTimeout:  cfg.Session.PairingTimeout,
		DegradedTimeout: cfg.Session.DegradedTimeout,
	}, logger)

	g.dispatch = dispatch.New(g.machine, g.msgs, dispatch.Options{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BaseDelay:   cfg.Dispatch.BaseDelay,
		Factor:      cfg.Dispatch.Factor,
	}, logger)

	g.responder = newResponder(g.orch, g.dispatch, g.events, g.dedupe, g.msgs, logger)
	g.machine.SetSink(g.responder.HandleInbound)

	g.mux = http.NewServeMux()
	g.registerRoutes()
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// HandleDriverEvent feeds one driver event into the session machine. Exposed
// so driver implementations can be bound after construction.
func (g *Gateway) HandleDriverEvent(ev session.Event) {
	g.machine.HandleEvent(ev)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		g.machine.Run(ctx)
	}()
	g.responder.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.cfg.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		g.logger.Error("http server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	<-machineDone
	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// Shutdown stops the HTTP server and releases background resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down")

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("http shutdown: %w", err)
	}

	g.responder.Stop()
	g.events.Close()
	g.dedupe.Close()

	return firstErr
}
