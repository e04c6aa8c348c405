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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/ledger-engine/internal/api"
	"github.com/atmx/ledger-engine/internal/commission"
	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/pricing"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/scheduler"
	"github.com/atmx/ledger-engine/internal/store"
	"github.com/atmx/ledger-engine/internal/tournament"
	"github.com/atmx/ledger-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Server.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Store.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Store.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Store.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Store.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Notifications ---
	hub := notify.NewHub()
	go hub.Run(ctx)

	fanout := notify.NewFanout(2 * time.Second).AddUpdater(hub).AddMailer(notify.LogMailer{})
	if len(cfg.Kafka.Brokers) > 0 {
		kp := notify.NewKafkaPublisher(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Error("kafka writer close", "err", err)
			}
		})
		fanout.AddUpdater(kp).AddMailer(kp)
		slog.Info("kafka publishing enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// --- Prices ---
	var prices pricing.Source
	var priceAdmin api.PriceSetter
	if cfg.Pricing.FeedURL != "" {
		src, err := pricing.NewHTTPSource(cfg.Pricing.FeedURL, cfg.Pricing.Timeout)
		if err != nil {
			slog.Error("price feed", "err", err)
			os.Exit(1)
		}
		prices = pricing.NewLimited(src, cfg.Pricing.RPS, int(cfg.Pricing.RPS)+1)
		slog.Info("using external price feed", "url", cfg.Pricing.FeedURL, "rps", cfg.Pricing.RPS)
	} else {
		sim := pricing.NewSimulator(time.Now().UnixNano())
		prices, priceAdmin = sim, sim
		slog.Warn("PRICE_FEED_URL not set, using simulated prices")
	}

	// --- Engines ---
	led := ledger.New(st)
	led.SetDefaultAsset(cfg.Trading.DefaultAsset)

	comm := commission.NewEngine(st, led, fanout, commission.Config{
		Level1Rate: cfg.Commission.Level1Rate,
		Level2Rate: cfg.Commission.Level2Rate,
		LinkBase:   cfg.Commission.LinkBase,
	})

	limiter := risk.NewExposureLimiter(cfg.Trading.MaxSymbolExposure, cfg.Trading.MaxAssetExposure)
	trades := trade.NewEngine(st, led, prices, comm, limiter, fanout, trade.Config{
		PayoutRatio:     cfg.Trading.PayoutRatio,
		SettlementLease: cfg.Trading.SettlementLease,
		PriceTimeout:    cfg.Pricing.Timeout,
		PriceRetries:    cfg.Pricing.MaxRetries,
		PriceBackoff:    cfg.Pricing.Backoff,
	})

	tours := tournament.NewEngine(st, led, fanout, nil)

	// --- Scheduler ---
	sched := scheduler.New(st, scheduler.Config{
		Interval:    cfg.Scheduler.Interval,
		Batch:       cfg.Scheduler.Batch,
		Workers:     cfg.Scheduler.Workers,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
	})
	sched.Handle(model.JobTrade, trades.SettleJob)
	sched.Handle(model.JobTournament, tours.SettleJob)
	if err := sched.Start(ctx); err != nil {
		slog.Error("scheduler start", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			slog.Error("scheduler shutdown error", "err", err)
		}
	}()

	// --- HTTP router ---
	srv := api.New(api.Deps{
		Users:       st,
		Ledger:      led,
		Trades:      trades,
		Commissions: comm,
		Tournaments: tours,
		Prices:      prices,
		PriceAdmin:  priceAdmin,
		WS:          hub.HandleWS,
	})

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", srv.Routes)

	// --- Server ---
	httpSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Server.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
