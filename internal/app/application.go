// Package app wires the server components and runs their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"golang.org/x/sync/errgroup"

	"seminar/internal/ai"
	"seminar/internal/api"
	"seminar/internal/config"
	"seminar/internal/database"
	"seminar/internal/hub"
	"seminar/internal/metrics"
	"seminar/internal/router"
	"seminar/internal/session"
	"seminar/internal/websocket"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	telemetry  *metrics.Provider
	archive    *database.Manager
	classrooms *session.Manager
	registry   *websocket.Registry
	hub        *hub.Hub
	handler    http.Handler
	httpServer *http.Server
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Telemetry → Archive → Registry → Router → Hub → Classrooms → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Meter provider, a no-op unless telemetry is enabled
	telemetry, err := metrics.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	recorder, err := metrics.NewRecorder(telemetry)
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// STEP 2: Archive (foundation layer, migrations applied on open)
	dbConfig := cfg.Database
	archive, err := database.NewManager(&dbConfig)
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	dialogueService, err := ai.New(cfg.AI)
	if err != nil {
		_ = archive.Close()
		_ = telemetry.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize dialogue service: %w", err)
	}

	// STEP 3: Connection registry and router
	registry := websocket.NewRegistry()
	messageRouter := router.NewRouter(registry, router.NewRateLimiter(cfg.Classroom.RateLimit, cfg.Classroom.RateWindow))

	// STEP 4: Hub. OnEnded releases the code in the classroom manager built next.
	var classrooms *session.Manager
	messageHub := hub.NewHub(registry, messageRouter, hub.Config{
		AllowRetreat:  cfg.Dialogue.AllowRetreat,
		RequireRoster: cfg.Voting.RequireRoster,
		AITimeout:     cfg.AI.Timeout,
		HistoryWindow: cfg.Dialogue.HistoryWindow,
		Archive:       archive,
		AI:            dialogueService,
		Recorder:      recorder,
		OnEnded: func(code string) {
			if classrooms != nil {
				classrooms.Forget(code)
			}
		},
	})

	// STEP 5: Classroom manager on top of the hub
	classrooms = session.NewManager(messageHub, archive, session.Config{
		CodeAttempts:  cfg.Classroom.CodeAttempts,
		SweepInterval: cfg.Classroom.SweepInterval,
	})

	// STEP 6: API server with the websocket endpoint mounted on the same mux
	apiServer := api.NewServer(classrooms, archive, registry)
	apiServer.Mount("/ws", websocket.NewHandler(messageHub, websocket.HandlerConfig{
		PingInterval:    cfg.WebSocket.PingInterval,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		SendBuffer:      cfg.WebSocket.SendBuffer,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
	}))

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		telemetry:  telemetry,
		archive:    archive,
		classrooms: classrooms,
		registry:   registry,
		hub:        messageHub,
		handler:    apiServer,
		httpServer: httpServer,
	}, nil
}

// Handler serves the API, the health check and the websocket endpoint.
func (app *Application) Handler() http.Handler { return app.handler }

// Classrooms exposes the classroom manager, e.g. for tests creating classrooms directly.
func (app *Application) Classrooms() *session.Manager { return app.classrooms }

// GetAddr returns the server address for external connections
func (app *Application) GetAddr() string { return app.httpServer.Addr }

// Start starts the hub and restores archived classrooms. It does not listen.
// Hub starts first so restored classrooms have a loop to live in
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	restored, err := app.classrooms.Restore(ctx)
	if err != nil {
		// FUNCTIONAL DISCOVERY: a broken archive must not keep live classrooms from starting
		log.Printf("Classroom restore failed: %v", err)
	}
	log.Printf("Restored %d classrooms", restored)
	return nil
}

// Run starts the application, serves HTTP and blocks until ctx is cancelled or a
// component fails, then shuts everything down.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Starting seminar server on %s", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return app.classrooms.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout)
		defer cancel()
		return app.Stop(shutdownCtx)
	})
	return g.Wait()
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Hub → Archive → Telemetry
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down seminar server")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// STEP 2: Stop message processing, draining queued archive writes
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Printf("Message hub shutdown error: %v", err)
	}

	// STEP 3: Close database connections
	if err := app.archive.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	if err := app.telemetry.Shutdown(ctx); err != nil {
		log.Printf("Telemetry shutdown error: %v", err)
	}

	log.Printf("Seminar server shutdown complete")
	return nil
}
