package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"climate-exchange/internal/api"
	"climate-exchange/internal/cache"
	"climate-exchange/internal/catalog"
	"climate-exchange/internal/config"
	"climate-exchange/internal/db"
	"climate-exchange/internal/engine"
	"climate-exchange/internal/logging"
	"climate-exchange/internal/metrics"
	"climate-exchange/internal/ws"
)

// store is satisfied by both the postgres store and the in-memory one.
type store interface {
	engine.Store
	api.Store
	catalog.Store
	Close() error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "exchange: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Output:     cfg.LogOutput,
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser.Close()

	credit, err := cfg.Credit()
	if err != nil {
		return err
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	hub := ws.NewHub(logger)

	opts := engine.Options{
		Publish: hub.Publish,
		Metrics: m,
		Logger:  logger,
		Depth:   cfg.BookDepth,
	}
	if cfg.RedisURL != "" {
		bc, err := cache.New(cfg.RedisURL, cfg.RedisPassword, cfg.BookCacheTTL, logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer bc.Close()
		opts.Cache = bc
		logger.Info("book_cache_enabled", "ttl", cfg.BookCacheTTL)
	}

	ctx := context.Background()
	if cfg.MarketsFile != "" {
		c, err := catalog.LoadFile(cfg.MarketsFile)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		created, err := catalog.Apply(ctx, c, st, logger)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		logger.Info("catalog_applied", "file", cfg.MarketsFile, "created", len(created))
	}

	mgr := engine.NewManager(st, opts)
	if err := mgr.Boot(ctx); err != nil {
		return fmt.Errorf("engine boot: %w", err)
	}

	srv := api.NewServer(st, mgr, hub, api.Options{
		Secret:       cfg.JWTSecret,
		TokenTTL:     cfg.TokenTTL,
		SignupCredit: credit,
		Metrics:      m,
		Logger:       logger,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case s := <-sig:
		logger.Info("shutting_down", "signal", s.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	}
	hub.Close()
	mgr.Close()
	logger.Info("stopped")
	return nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no DATABASE_URL, using in-memory store")
		return db.NewMemStore(), nil
	}
	pg, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	logger.Info("connected_to_database")
	if err := pg.Migrate(cfg.MigrationsDir); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("migrations_applied", "dir", cfg.MigrationsDir)
	return pg, nil
}
