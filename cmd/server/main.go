package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/control-plane/internal/api"
	"github.com/atmx/control-plane/internal/config"
	"github.com/atmx/control-plane/internal/controlplane"
	"github.com/atmx/control-plane/internal/dispatch"
	"github.com/atmx/control-plane/internal/metrics"
	"github.com/atmx/control-plane/internal/model"
	"github.com/atmx/control-plane/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	capital, err := cfg.TierCapital()
	if err != nil {
		slog.Error("invalid tier capital", "err", err)
		os.Exit(1)
	}
	loc, err := cfg.Location()
	if err != nil {
		slog.Error("invalid timezone", "err", err)
		os.Exit(1)
	}
	guardCfg, err := cfg.GuardConfig()
	if err != nil {
		slog.Error("invalid infrastructure config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory audit store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Control plane ---
	// The broker integration layer is deployed separately; until it is
	// wired in, routed orders are acknowledged by a simulated executor.
	guarded := dispatch.NewGuardedExecutor(simulatedExecutor(), guardCfg)
	cp, err := controlplane.New(controlplane.Options{
		Capital:  capital,
		Health:   cfg.HealthConfig(),
		Executor: guarded,
		Store:    st,
		Notifier: wsHub,
		Location: loc,
	})
	if err != nil {
		slog.Error("control plane init failed", "err", err)
		os.Exit(1)
	}
	// Workers outlive the signal context so Close can drain the lanes.
	cp.Start(context.Background(), cfg.Workers)

	svc := api.NewService(cp, guarded)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"control-plane"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for control-plane events.
		r.Get("/ws", wsHub.HandleWS)
		svc.Register(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("control-plane listening", "port", cfg.Port, "workers", cfg.Workers, "tiers", len(capital))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down control-plane...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := cp.Close(shutdownCtx); err != nil {
		slog.Error("dispatch drain incomplete", "err", err, "pending", cp.QueueStatus().Total)
	}
	fmt.Println("control-plane stopped")
}

// simulatedExecutor fills every order after a short random delay.
func simulatedExecutor() dispatch.Executor {
	return dispatch.ExecutorFunc(func(ctx context.Context, infra model.InfraClass, o model.Order) (bool, float64, error) {
		start := time.Now()
		select {
		case <-time.After(time.Duration(5+rand.IntN(20)) * time.Millisecond):
		case <-ctx.Done():
			return false, 0, ctx.Err()
		}
		return true, float64(time.Since(start).Microseconds()) / 1000, nil
	})
}
