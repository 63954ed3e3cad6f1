package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relaychat/internal/api"
	"relaychat/internal/auth"
	"relaychat/internal/config"
	"relaychat/internal/database"
	"relaychat/internal/hub"
	"relaychat/internal/ingest"
	"relaychat/internal/membership"
	"relaychat/internal/ratelimit"
	"relaychat/internal/registry"
	"relaychat/internal/router"
	"relaychat/internal/signaling"
	"relaychat/internal/storage"
	"relaychat/internal/websocket"
	"relaychat/pkg/interfaces"
	pkgdatabase "relaychat/pkg/database"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config *config.Config
	logger *slog.Logger

	dbManager *database.Manager
	files     storage.Store
	limiter   interfaces.RateLimiter
	cleaner   *ratelimit.MemoryLimiter
	closers   []io.Closer

	registry  *registry.Registry
	router    *router.Router
	eventHub  *hub.Hub
	apiServer *api.Server
	handler   http.Handler

	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	group    *errgroup.Group
	cancel   context.CancelFunc
	stopped  bool
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Auth → Storage → Rate limit → Registry → Membership → Router → Signaling → Ingest → Hub → HTTP
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *Application, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app = &Application{config: cfg, logger: logger.With("component", "app")}
	defer func() {
		if err != nil {
			app.closeResources()
		}
	}()

	// STEP 1: Initialize database manager (foundation layer)
	dbManager, err := database.NewManager(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	app.dbManager = dbManager

	// STEP 1.5: Apply database migrations to ensure schema is up to date
	migrationManager := pkgdatabase.NewMigrationManager(dbManager.GetDB(), cfg.Database.MigrationsPath)
	applied, err := migrationManager.ApplyMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrationManager.ValidateSchema(); err != nil {
		return nil, fmt.Errorf("database schema is incomplete: %w", err)
	}
	app.logger.Info("database ready", "path", cfg.Database.DatabasePath, "migrations_applied", applied)

	// STEP 2: Token verifier and password hasher
	verifier, err := auth.NewVerifier(auth.Config{
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
		Leeway: cfg.Auth.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
	}
	hasher := auth.NewHasher(cfg.Auth.BcryptCost)

	// STEP 3: File storage backend
	if app.files, err = newFileStore(ctx, cfg.Storage); err != nil {
		return nil, fmt.Errorf("failed to initialize file storage: %w", err)
	}

	// STEP 4: Message rate limiter
	if err := app.initRateLimiter(ctx, cfg.RateLimit); err != nil {
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	// STEP 5: Real-time core
	app.registry = registry.New()
	members := membership.New(dbManager, cfg.Membership.CacheTTL, logger)
	app.router = router.New(app.registry, members, logger)
	relay := signaling.New(members, app.router, cfg.Signaling.VerifyParticipants, logger)
	messages := ingest.New(members, dbManager, app.files, app.limiter, app.router, logger)

	app.eventHub = hub.New(hub.Deps{
		Registry:          app.registry,
		Router:            app.router,
		Ingest:            messages,
		Relay:             relay,
		Verifier:          verifier,
		Logger:            logger,
		RequireEventToken: cfg.WebSocket.RequireEventToken,
	})

	// STEP 6: HTTP API and WebSocket endpoint
	app.apiServer = api.NewServer(api.Deps{
		Store:          dbManager,
		Tokens:         verifier,
		Passwords:      hasher,
		Files:          app.files,
		Ingest:         messages,
		Membership:     members,
		Presence:       app.registry,
		Rooms:          app.router,
		Logger:         logger,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	})

	wsHandler := websocket.NewHandler(app.eventHub, verifier, websocket.HandlerConfig{
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		Connection: websocket.Options{
			SendBuffer:     cfg.WebSocket.BufferSize,
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
			PongWait:       cfg.WebSocket.ReadTimeout,
			PingInterval:   cfg.WebSocket.PingInterval,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		},
	}, logger)

	// STEP 7: Setup HTTP server with both API and WebSocket endpoints
	mux := http.NewServeMux()
	mux.Handle("/api/", app.apiServer)
	mux.Handle("/health", app.apiServer)
	mux.Handle("/ws", wsHandler)
	app.handler = mux

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	// hijacked sockets are not tracked by Shutdown
	app.httpServer.RegisterOnShutdown(func() {
		for _, conn := range app.registry.All() {
			_ = conn.Close()
		}
	})

	return app, nil
}

func newFileStore(ctx context.Context, cfg *config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.StorageLocal:
		return storage.NewLocalStore(cfg.LocalDir)
	case config.StorageMinio:
		return storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			Region:    cfg.Minio.Region,
			UseSSL:    cfg.Minio.UseSSL,
		})
	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownBackend, cfg.Backend)
	}
}

func (app *Application) initRateLimiter(ctx context.Context, cfg *config.RateLimitConfig) error {
	switch cfg.Backend {
	case config.RateLimitNone:
		app.logger.Warn("message rate limiting disabled")
		return nil
	case config.RateLimitMemory:
		limiter, err := ratelimit.NewMemoryLimiter(cfg.Messages, cfg.Window)
		if err != nil {
			return err
		}
		app.limiter = limiter
		app.cleaner = limiter
		app.closers = append(app.closers, limiter)
	case config.RateLimitRedis:
		limiter, err := ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix, cfg.Messages, cfg.Window)
		if err != nil {
			return err
		}
		app.closers = append(app.closers, limiter)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := limiter.Ping(pingCtx); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		app.limiter = limiter
	default:
		return fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
	app.logger.Info("message rate limiting enabled", "backend", cfg.Backend, "messages", cfg.Messages, "window", cfg.Window)
	return nil
}

// Handler is the root HTTP handler: /api/, /health and /ws.
func (app *Application) Handler() http.Handler {
	return app.handler
}

// Start begins application execution
// Hub starts first to handle connections, then the listener is bound and served in the background
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.group != nil {
		return errors.New("application already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// the hub outlives ctx so disconnects are still processed while draining
	runCtx, cancel := context.WithCancel(context.Background())

	if err := app.eventHub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		cancel()
		_ = app.eventHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	if app.cleaner != nil {
		interval := app.config.RateLimit.CleanupInterval
		group.Go(func() error {
			return app.cleaner.Run(groupCtx, interval)
		})
	}

	app.listener = listener
	app.group = group
	app.cancel = cancel
	app.logger.Info("relaychat started", "addr", listener.Addr().String())
	return nil
}

// Addr is the bound listen address once started.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener == nil {
		return app.httpServer.Addr
	}
	return app.listener.Addr().String()
}

// Wait blocks until the background workers exit and returns the first error.
func (app *Application) Wait() error {
	app.mu.Lock()
	group := app.group
	app.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Run starts the application and blocks until ctx is done or a worker fails,
// then shuts down within the configured timeout.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		app.closeResources()
		if ctx.Err() != nil {
			// cancelled before serving
			return nil
		}
		return err
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- app.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-waitErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout)
	defer cancel()
	if err := app.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Hub → Workers → Rate limiter → Database
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	if app.stopped {
		app.mu.Unlock()
		return nil
	}
	app.stopped = true
	group, cancel := app.group, app.cancel
	app.mu.Unlock()

	app.logger.Info("shutting down relaychat")

	var errs []error

	// STEP 1: Stop accepting new connections and drain in-flight requests
	if group != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			app.logger.Error("HTTP server shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// STEP 2: Stop lifecycle processing
	if err := app.eventHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Error("event hub shutdown error", "error", err)
		errs = append(errs, err)
	}

	// STEP 3: Stop background workers
	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	// STEP 4: Release external resources
	if err := app.closeResources(); err != nil {
		errs = append(errs, err)
	}

	app.logger.Info("relaychat shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) closeResources() error {
	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			app.logger.Error("failed to close resource", "error", err)
			errs = append(errs, err)
		}
	}
	app.closers = nil

	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			app.logger.Error("database shutdown error", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
