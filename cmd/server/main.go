package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/liamcoop/fraudrules/engine"
	"github.com/liamcoop/fraudrules/internal/config"
	"github.com/liamcoop/fraudrules/internal/logger"
	"github.com/liamcoop/fraudrules/internal/metrics"
	"github.com/liamcoop/fraudrules/internal/tracing"
	"github.com/liamcoop/fraudrules/multitenantengine"
	"github.com/liamcoop/fraudrules/rules"
	"github.com/liamcoop/fraudrules/store"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default ./fraudrules.yaml if present)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Fatal("server failed", "error", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	// Connect to database
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	pg := store.NewPostgresStore(db)
	if err := pg.Ping(ctx); err != nil {
		// cached tenants keep serving from the local cache, so a down database is not fatal
		logger.Error("failed to ping database", "error", err)
	}

	decode := rules.DecodeOptions{Limits: rules.Limits{
		MaxDepth:  cfg.MaxDepth,
		MaxChecks: cfg.MaxChecks,
		MaxRules:  cfg.MaxRules,
	}}
	m := metrics.New()

	managerOpts := []multitenantengine.Option{
		multitenantengine.WithLogger(logger.Logger),
		multitenantengine.WithMetrics(m),
		multitenantengine.WithWorkers(cfg.RefreshWorkers),
		multitenantengine.WithEngineOptions(
			engine.WithDecodeOptions(decode),
			engine.WithStaleAfter(cfg.StaleAfter),
		),
	}
	if cfg.SQLiteCachePath != "" {
		cache, err := store.NewSQLiteCache(cfg.SQLiteCachePath)
		if err != nil {
			return fmt.Errorf("failed to open local cache: %w", err)
		}
		defer cache.Close()
		managerOpts = append(managerOpts, multitenantengine.WithLocalCache(cache))
	}

	manager := multitenantengine.NewManager(pg, managerOpts...)

	// Load all tenants
	logger.Info("loading tenants from database")
	if err := manager.LoadAllTenants(ctx); err != nil {
		logger.Warn("initial tenant load incomplete", "error", err)
	}
	tenants := manager.ListTenants()
	logger.Info("tenants loaded", "count", len(tenants), "tenants", tenants)

	go manager.Run(ctx, cfg.RefreshInterval)

	server := NewServer(Deps{
		Manager: manager,
		Store:   pg,
		Metrics: m,
		Decode:  decode,
		Log:     logger.Logger,
		Ping:    pg.Ping,
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
