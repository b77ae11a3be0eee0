package main

import (
	"context"
	"errors"
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

	"github.com/carbontc/auction-engine/internal/api"
	"github.com/carbontc/auction-engine/internal/auction"
	"github.com/carbontc/auction-engine/internal/balance"
	"github.com/carbontc/auction-engine/internal/clock"
	"github.com/carbontc/auction-engine/internal/config"
	"github.com/carbontc/auction-engine/internal/lock"
	"github.com/carbontc/auction-engine/internal/messaging"
	"github.com/carbontc/auction-engine/internal/metrics"
	"github.com/carbontc/auction-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	clk := clock.NewSystem()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Wallet source ---
	var wallet balance.WalletSource
	if cfg.WalletServiceURL != "" {
		wallet = balance.NewHTTPWallet(cfg.WalletServiceURL, cfg.WalletTimeout)
		slog.Info("using wallet service", "url", cfg.WalletServiceURL)
	} else {
		slog.Warn("WALLET_SERVICE_URL not set, every user starts with the dev balance", "balance", cfg.DevWalletBalance)
		wallet = balance.StaticWallet{Amount: cfg.DevWalletBalance}
	}

	// --- Balance authority and listing locks ---
	var (
		bal    balance.Client
		syncer balance.Syncer
		locker lock.Locker
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		rb := balance.NewRedis(rdb, wallet, clk)
		bal, syncer = rb, rb
		locker = lock.NewRedisLocker(rdb, "auction_lock:", cfg.LockTTL, cfg.LockWait)
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis balance authority and cache enabled")
	} else {
		slog.Warn("REDIS_URL not set, balances and locks are process-local")
		mb := balance.NewMemory(wallet, clk)
		bal, syncer = mb, mb
		locker = lock.NewKeyedMutex()
	}

	// --- Notifications ---
	wsHub := api.NewHub(cfg.JWTSecret, bal)
	go wsHub.Run(ctx)

	notifiers := auction.Notifiers{wsHub}
	if cfg.RabbitMQURL != "" {
		pub := messaging.NewPublisher(cfg.RabbitMQURL)
		go pub.Run(ctx)
		notifiers = append(notifiers, pub)
	}

	// --- Auction engine ---
	bids := auction.NewBidHandler(st, bal, locker, clk, notifiers)
	finalizer := auction.NewFinalizer(st, bal, locker, clk, notifiers)
	scanner := auction.NewScanner(st, finalizer, clk, cfg.ScanInterval, cfg.ScanInitialDelay)
	go scanner.Run(ctx)

	if cfg.RabbitMQURL != "" {
		comp := auction.NewCompensator(st, bal, syncer)
		consumer := messaging.NewConsumer(cfg.RabbitMQURL, messaging.Subscriptions(comp)...)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				slog.Error("message consumer stopped", "err", err)
			}
		}()
	} else {
		slog.Warn("RABBITMQ_URL not set, failure compensation and balance sync are disabled")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"auction-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	api.NewServer(st, bids, finalizer, bal).Routes(r, cfg.JWTSecret, wsHub)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("auction-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down auction-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("auction-engine stopped")
}
