package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quaimark/referral-service/internal/api"
	"github.com/quaimark/referral-service/internal/metrics"
	"github.com/quaimark/referral-service/internal/points"
	"github.com/quaimark/referral-service/internal/referral"
	"github.com/quaimark/referral-service/internal/season"
	"github.com/quaimark/referral-service/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Season defaults for auto-created seasons ---
	defaults := season.Defaults{
		PointTradeVolumeRatio:     envDecimal("POINT_TRADE_VOLUME_RATIO", "10"),
		MembershipPlusVolumeRatio: envDecimal("MEMBERSHIP_PLUS_VOLUME_RATIO", "0.1"),
		RefTradePointRatio:        envDecimal("REF_TRADE_POINT_RATIO", "0.05"),
		SponsorTradePointRatio:    envDecimal("SPONSOR_TRADE_POINT_RATIO", "0.1"),
		MembershipShareFeeRatio:   envDecimal("MEMBERSHIP_SHARE_FEE_RATIO", "0.1"),
	}

	// --- Engines ---
	dir := referral.NewDirectory(st)
	seasons := season.NewResolver(st, defaults)
	calc := points.NewCalculator(st, dir, seasons)
	ranker := points.NewRanker(st, seasons)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	svc := api.NewService(calc, ranker, dir, seasons, wsHub)

	// Periodically refresh the active-user gauge from ledger activity.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			users, err := ranker.ActiveUsersSince(ctx, time.Now().Add(-24*time.Hour))
			cancel()
			if err != nil {
				slog.Warn("active user refresh failed", "err", err)
				continue
			}
			metrics.ActiveUsers.Set(float64(len(users)))
		}
	}()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
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
		w.Write([]byte(`{"status":"ok","service":"referral-service"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("referral-service listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down referral-service...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("referral-service stopped")
}

// envDecimal reads a decimal ratio from the environment, falling back to
// the given default when unset or unparseable.
func envDecimal(key, fallback string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
		slog.Warn("invalid decimal env var, using default", "key", key, "default", fallback)
	}
	d, _ := decimal.NewFromString(fallback)
	return d
}
