package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"calconnect-go/internal/audit"
	"calconnect-go/internal/auth"
	"calconnect-go/internal/calendar"
	"calconnect-go/internal/config"
	"calconnect-go/internal/metrics"
	"calconnect-go/internal/provider"
	"calconnect-go/internal/storage"
	"calconnect-go/internal/worker"
)

const legacySweepBatch = 100

// Application holds all the major components of the service.
type Application struct {
	Config        *config.Config
	Logger        *logrus.Logger
	Store         *storage.Store
	Redis         redis.UniversalClient
	WorkerPool    *worker.WorkerPool
	Providers     *provider.Registry
	Connections   *auth.Manager
	Tokens        *auth.TokenRefreshService
	Events        *calendar.Orchestrator
	HttpServer    *http.Server
	MetricsServer *http.Server

	handler    http.Handler
	serverErrs chan error
}

// Option customizes New.
type Option func(*options)

type options struct {
	registry *provider.Registry
}

// WithRegistry replaces the providers built from configuration.
func WithRegistry(r *provider.Registry) Option {
	return func(o *options) { o.registry = r }
}

// New creates and initializes a new Application instance.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Application, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return nil, err
	}
	cipher, err := storage.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cipher: %w", err)
	}

	// Setup: Database
	store, err := storage.OpenDatabase(ctx, cfg.StorageConfig())
	if err != nil {
		return nil, err
	}

	// Setup: State store
	var (
		states      auth.StateStore
		redisClient redis.UniversalClient
	)
	switch cfg.State.Backend {
	case "redis":
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.State.RedisAddr,
			Password: cfg.State.RedisPassword,
			DB:       cfg.State.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			store.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		states = auth.NewRedisStateStore(redisClient)
	default:
		states = auth.NewInMemoryStateStore()
	}

	// Setup: Providers
	registry := o.registry
	if registry == nil {
		registry = buildRegistry(cfg, logger)
	}

	// Setup: WorkerPool and audit trail
	pool := worker.NewWorkerPool(cfg.NumWorkers, worker.WithLogger(logger.WithField("component", "worker")))
	recorder := audit.NewRecorder(store, pool, logger.WithField("component", "audit"))

	// Setup: Auth
	manager := auth.NewManager(registry, store, cipher, states, logger.WithField("component", "oauth"),
		auth.WithStateTTL(cfg.State.TTL),
		auth.WithAudit(recorder),
	)
	tokens := auth.NewTokenRefreshService(registry, store, cipher, logger.WithField("component", "tokens"),
		auth.WithRefreshAudit(recorder),
	)

	// Setup: Calendar events
	resourceBase := cfg.App.ResourceBaseURL
	if resourceBase == "" {
		resourceBase = cfg.App.BaseURL
	}
	catalog := calendar.NewResourceCatalog(store, resourceBase)
	orchestrator := calendar.NewOrchestrator(tokens, registry, store, catalog, logger.WithField("component", "calendar"),
		calendar.WithAudit(recorder),
	)

	app := &Application{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Redis:       redisClient,
		WorkerPool:  pool,
		Providers:   registry,
		Connections: manager,
		Tokens:      tokens,
		Events:      orchestrator,
		serverErrs:  make(chan error, 2),
	}
	app.handler = app.routes()

	// Setup: Main HTTP Server
	app.HttpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup: HTTP Server for metrics
	if cfg.MetricsPort != 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		app.MetricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return app, nil
}

func buildRegistry(cfg *config.Config, logger *logrus.Logger) *provider.Registry {
	resilience := provider.ResilienceConfig{
		Timeout:     cfg.Provider.Timeout,
		MaxAttempts: cfg.Provider.MaxAttempts,
		BaseBackoff: cfg.Provider.BaseBackoff,
	}
	providerLog := logger.WithField("component", "provider")

	var providers []provider.Provider
	if cfg.Google.Enabled() {
		providers = append(providers, provider.WithResilience(provider.NewGoogle(provider.GoogleConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
		}), resilience, providerLog))
	}
	if cfg.Microsoft.Enabled() {
		providers = append(providers, provider.WithResilience(provider.NewMicrosoft(provider.MicrosoftConfig{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			RedirectURL:  cfg.Microsoft.RedirectURL,
			Tenant:       cfg.Microsoft.Tenant,
		}), resilience, providerLog))
	}
	return provider.NewRegistry(providers...)
}

// Handler returns the API router.
func (a *Application) Handler() http.Handler {
	return a.handler
}

// Errors reports servers that stopped unexpectedly.
func (a *Application) Errors() <-chan error {
	return a.serverErrs
}

// Start begins the application's services.
func (a *Application) Start(ctx context.Context) error {
	a.Logger.Info("Starting application services...")

	// Start the worker pool
	a.WorkerPool.Start()
	a.Logger.WithField("workers", a.WorkerPool.Workers()).Info("Worker pool started")

	a.runMaintenance(ctx)

	// Start the metrics server
	if a.MetricsServer != nil {
		go a.serve("metrics", a.MetricsServer)
	}

	// Start the main HTTP server
	go a.serve("http", a.HttpServer)

	return nil
}

func (a *Application) serve(name string, srv *http.Server) {
	a.Logger.WithField("addr", srv.Addr).Infof("Starting %s server", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.serverErrs <- fmt.Errorf("%s server: %w", name, err)
	}
}

// runMaintenance does the one-off start-up housekeeping. Failures are logged
// and never stop the service.
func (a *Application) runMaintenance(ctx context.Context) {
	if n, err := a.Store.PruneOrphanedEvents(ctx); err != nil {
		a.Logger.WithError(err).Warn("Failed to prune orphaned events")
	} else if n > 0 {
		a.Logger.WithField("count", n).Info("Pruned orphaned scheduled events")
	}

	if a.Config.AuditRetention > 0 {
		if n, err := a.Store.PruneAudit(ctx, a.Config.AuditRetention); err != nil {
			a.Logger.WithError(err).Warn("Failed to prune audit trail")
		} else if n > 0 {
			a.Logger.WithField("count", n).Info("Pruned old audit entries")
		}
	}

	if a.Config.ReencryptLegacyOnStart {
		n, err := a.Connections.ReencryptLegacy(ctx, legacySweepBatch)
		if err != nil {
			a.Logger.WithError(err).Warn("Legacy token re-encryption stopped early")
		}
		a.Logger.WithField("count", n).Info("Re-encrypted legacy connections")
	}

	a.refreshGauges(ctx)
}

func (a *Application) refreshGauges(ctx context.Context) {
	snapshot, err := a.Store.GetMetrics(ctx)
	if err != nil {
		a.Logger.WithError(err).Warn("Failed to collect storage metrics")
		return
	}
	metrics.LegacyPlaintextConnections.Set(float64(snapshot.LegacyPlaintext))
	for _, name := range a.Providers.Names() {
		metrics.StoredConnections.WithLabelValues(string(name)).Set(float64(snapshot.ConnectionsByProvider[string(name)]))
	}
	if snapshot.LegacyPlaintext > 0 {
		a.Logger.WithField("count", snapshot.LegacyPlaintext).
			Warn("Connections still hold plaintext tokens; enable reencrypt_legacy_on_start to migrate them")
	}
}

// Stop gracefully shuts down the application's services.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.Info("Stopping application services...")

	// Shutdown servers
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := a.HttpServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.WithError(err).Error("HTTP server shutdown error")
	}

	if a.MetricsServer != nil {
		if err := a.MetricsServer.Shutdown(shutdownCtx); err != nil {
			a.Logger.WithError(err).Error("Metrics server shutdown error")
		}
	}

	// Stop the worker pool, letting queued audit writes finish
	if err := a.WorkerPool.Stop(shutdownCtx); err != nil {
		a.Logger.WithError(err).Warn("Worker pool did not drain before shutdown")
	}
	a.Logger.Info("Worker pool stopped")

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.WithError(err).Error("Error closing redis client")
		}
	}

	// Close the database connection
	if err := a.Store.Close(); err != nil {
		a.Logger.WithError(err).Error("Error closing database")
	}

	a.Logger.Info("Application stopped gracefully")
	return nil
}
