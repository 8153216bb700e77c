package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"swapflow/clock"
	"swapflow/config"
	"swapflow/db"
	"swapflow/exchange"
	"swapflow/item"
	"swapflow/logger"
	"swapflow/migrations"
	"swapflow/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "swapflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.AppEnv)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:     cfg.OTLPEndpoint,
		ServiceName:  cfg.ServiceName,
		SamplerRatio: cfg.SamplerRatio,
		Environment:  cfg.AppEnv,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	items, store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable; item cache will fall through", "addr", cfg.RedisAddr, "error", err)
		}
		items = item.NewCachedLookup(items, rdb, cfg.ItemCacheTTL, log)
		log.Info("item cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.ItemCacheTTL.String())
	}

	svc := exchange.NewService(items, store, clock.NewSystem())
	server := NewServer(svc, log.With("component", "http"))

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", httpServer.Addr, "driver", cfg.StoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore opens the configured backend, applies migrations and returns the
// item lookup and exchange store over it.
func openStore(ctx context.Context, cfg config.Config, log *logger.Logger) (item.Lookup, exchange.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("bootstrap sqlite: %w", err)
		}
		if err := migrations.ApplySQLite(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		log.Info("sqlite store ready", "path", cfg.SQLitePath)
		return item.NewSQLiteRepository(conn), exchange.NewSQLiteRepository(conn), closer(conn), nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		if err := migrations.ApplyPostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		log.Info("postgres store ready", "max_conns", cfg.DBMaxConns)
		return item.NewRepository(pool), exchange.NewRepository(pool), pool.Close, nil
	}
}

func closer(conn *sql.DB) func() {
	return func() { _ = conn.Close() }
}
