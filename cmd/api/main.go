package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"canvascollab/internal/app"
	"canvascollab/internal/audit"
	"canvascollab/internal/collab"
	"canvascollab/internal/config"
	"canvascollab/internal/lock"
	"canvascollab/internal/logging"
	"canvascollab/internal/store"
	"canvascollab/internal/telemetry"
)

type dataStore interface {
	collab.Store
	collab.AgentRegistry
	app.AgentWriter
	app.Pinger
}

func main() {
	if err := run(); err != nil {
		slog.Error("canvascollab api exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, "canvascollab-api", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	st, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	checks := map[string]app.Pinger{"store": st}

	var locker lock.Locker
	switch cfg.LockBackend {
	case config.LockRedis:
		redisLocker, err := lock.NewRedis(cfg.RedisURL, cfg.LockTTL())
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisLocker.Close()
		checks["redis"] = redisLocker
		locker = redisLocker
		logger.Info("using redis locks", "ttl", cfg.LockTTL())
	case config.LockPostgres:
		locker = lock.NewPostgres(db)
		logger.Info("using postgres advisory locks")
	default:
		locker = lock.NewLocal()
		logger.Info("using in-process locks")
	}

	auditSink := audit.NewAsyncSink(audit.NewSlogSink(logger), cfg.AuditBuffer)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := auditSink.Close(drainCtx); err != nil {
			logger.Warn("audit drain incomplete", "error", err)
		}
		if dropped := auditSink.Dropped(); dropped > 0 {
			logger.Warn("audit events dropped", "count", dropped)
		}
	}()

	coord := collab.New(st, st,
		collab.WithLogger(logger),
		collab.WithSink(auditSink),
		collab.WithLocker(locker),
		collab.WithSequentialWindow(cfg.SequentialWindow()),
	)

	httpServer := app.NewHTTPServer(coord, st, checks, logger, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("canvascollab api listening", "addr", cfg.Addr, "store", cfg.StoreDriver, "locks", cfg.LockBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	return nil
}

// openStore returns the configured store and, for SQL drivers, the
// underlying pool so the caller can close it.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (dataStore, *sql.DB, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		st := store.NewPostgresStore(db)
		if err := st.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		logger.Info("using postgres store")
		return st, db, nil
	case config.StoreSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite open failed: %w", err)
		}
		st := store.NewSQLiteStore(db)
		if err := st.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		logger.Info("using sqlite store", "path", cfg.SQLitePath)
		return st, db, nil
	default:
		logger.Warn("using in-memory store; state is lost on restart")
		return store.NewMemoryStore(), nil, nil
	}
}
