package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atmx/wheel-engine/internal/api"
	"github.com/atmx/wheel-engine/internal/config"
	"github.com/atmx/wheel-engine/internal/importer"
	"github.com/atmx/wheel-engine/internal/ledger"
	"github.com/atmx/wheel-engine/internal/logger"
	"github.com/atmx/wheel-engine/internal/metrics"
	"github.com/atmx/wheel-engine/internal/price"
	"github.com/atmx/wheel-engine/internal/store"
	"github.com/atmx/wheel-engine/internal/sweep"
	"github.com/atmx/wheel-engine/internal/wheel"
)

func main() {
	cfg, err := config.Load(os.Getenv("WHEEL_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal("invalid redis url", zap.Error(err))
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DB.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
		if err != nil {
			log.Fatal("invalid database dsn", zap.Error(err))
		}
		if cfg.DB.MaxConns > 0 {
			poolCfg.MaxConns = cfg.DB.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			log.Fatal("database connection failed", zap.Error(err))
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.DB.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				log.Fatal("schema setup failed", zap.Error(err))
			}
		}
		st = pg
		log.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			log.Info("Redis cache enabled", zap.Duration("ttl", cfg.Redis.CacheTTL))
		}
	} else {
		log.Warn("db.dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Prices: Redis quote keys first, then the static table ---
	static, err := price.NewStatic(cfg.Prices.Static)
	if err != nil {
		log.Fatal("invalid static price", zap.Error(err))
	}
	prices := price.Chain{static}
	if rdb != nil {
		prices = price.Chain{price.NewRedisSource(rdb, log), static}
	}

	// --- Core ---
	l := ledger.New(st, log.Named("ledger"))
	im := importer.New(l, log.Named("importer"), cfg.Import.MaxParallel)
	svc := wheel.New(st, l, im, prices, log.Named("wheel"))

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(log.Named("ws"))
	go wsHub.Run(ctx)
	svc.SetNotifier(wsHub)

	// --- Review sweep ---
	runner := sweep.New(log.Named("sweep"), ctx)
	if cfg.Sweep.Enabled {
		reviewer := sweep.NewReviewer(st, log.Named("sweep"))
		if _, err := runner.Add(cfg.Sweep.Schedule, reviewer.Job); err != nil {
			log.Fatal("invalid sweep schedule", zap.String("schedule", cfg.Sweep.Schedule), zap.Error(err))
		}
		reviewer.Job(ctx)
		runner.Start()
		defer runner.Stop()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log.Named("http")))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"wheel-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handler := api.NewHandler(svc, log.Named("api"))
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for cycle updates; no request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			handler.Mount(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("wheel-engine listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info("shutting down wheel-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	log.Info("wheel-engine stopped")
}

// requestLogger replaces chi's stdlib-log middleware with zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
