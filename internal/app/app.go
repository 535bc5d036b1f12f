package app

import (
	"context"
	"fmt"
	"time"

	"laborsync/internal/api"
	"laborsync/internal/archive"
	"laborsync/internal/checkpoint"
	"laborsync/internal/config"
	"laborsync/internal/health"
	"laborsync/internal/keypool"
	"laborsync/internal/metrics"
	"laborsync/internal/store"
	"laborsync/internal/syncer"
	"laborsync/internal/upstream"

	"go.uber.org/zap"
)

// App represents the assembled sync service
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	storage     *store.Resilient
	checkpoints checkpoint.Store
	keys        *keypool.Pool
	engine      *syncer.Engine
	monitor     *health.Monitor
	server      *api.Server
	metrics     *metrics.Collector
}

// New creates the application and wires its components
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Create relational store with breaker protection
	sqliteStore, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	for _, ref := range cfg.Sync.Series {
		if err := sqliteStore.AddToCatalog(context.Background(), ref.ID, ref.Title); err != nil {
			return nil, fmt.Errorf("failed to register series %s: %w", ref.ID, err)
		}
	}

	resilient := store.NewResilient(sqliteStore, store.ResilientConfig{
		Retries:      cfg.Storage.Retries,
		RetryBackoff: time.Duration(cfg.Storage.RetryBackoffMs) * time.Millisecond,
		Threshold:    cfg.Storage.BreakerThreshold,
		Cooldown:     time.Duration(cfg.Storage.BreakerCooldownMs) * time.Millisecond,
	}, logger)

	// Create checkpoint store
	checkpointStore, err := checkpoint.NewSQLiteStore(cfg.Sync.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	// Create key pool
	pool, err := keypool.New(
		cfg.Upstream.APIKeys,
		cfg.Upstream.DailyLimit,
		time.Duration(cfg.Sync.KeyBlockHours)*time.Hour,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create key pool: %w", err)
	}

	// Create upstream client
	client := upstream.New(
		cfg.Upstream.BaseURL,
		time.Duration(cfg.Upstream.TimeoutMs)*time.Millisecond,
		logger,
	)

	// Create optional raw payload archiver
	var archiver archive.Archiver
	if cfg.Archive.Enabled() {
		a, err := archive.New(archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			Secure:    cfg.Archive.Secure,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create archiver: %w", err)
		}
		archiver = a
		logger.Info("Payload archiving enabled", zap.String("bucket", cfg.Archive.Bucket))
	}

	// Create metrics collector
	metricsCollector := metrics.New()

	// Create sync engine
	engine := syncer.New(syncer.Config{
		BatchSize:     cfg.Sync.BatchSize,
		RetryAttempts: cfg.Sync.RetryAttempts,
		RetryBackoff:  time.Duration(cfg.Sync.RetryBackoffMs) * time.Millisecond,
		PaceRPS:       cfg.Sync.PaceRPS,
		ValidateData:  cfg.Sync.ValidateData,
	}, resilient, pool, client, checkpointStore, archiver, metricsCollector, logger)

	// Create health monitor
	monitor := health.New(health.Config{
		Interval:    time.Duration(cfg.Health.CheckIntervalSec) * time.Second,
		HistorySize: cfg.Health.HistorySize,
	}, resilient, pool, engine, client, metricsCollector, logger)

	// Create HTTP server
	server := api.NewServer(cfg.Server.Addr, engine, monitor, pool, metricsCollector, logger)

	return &App{
		cfg:         cfg,
		logger:      logger,
		storage:     resilient,
		checkpoints: checkpointStore,
		keys:        pool,
		engine:      engine,
		monitor:     monitor,
		server:      server,
		metrics:     metricsCollector,
	}, nil
}

// Run starts the health monitor and HTTP server and blocks until the
// context is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting service",
		zap.String("listen", a.cfg.Server.Addr),
		zap.String("upstream", a.cfg.Upstream.BaseURL),
		zap.Int("api_keys", len(a.cfg.Upstream.APIKeys)),
		zap.Int("batch_size", a.cfg.Sync.BatchSize),
	)

	a.monitor.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Forced server shutdown", zap.Error(err))
	}

	a.monitor.Stop()
	a.logger.Info("Service stopped")
	return nil
}

// Close cleans up resources
func (a *App) Close() error {
	if a.checkpoints != nil {
		a.checkpoints.Close()
	}
	if a.storage != nil {
		a.storage.Close()
	}
	return nil
}
