package main

import (
	"context"
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

	"github.com/atmx/trade-engine/internal/breaker"
	"github.com/atmx/trade-engine/internal/bus"
	"github.com/atmx/trade-engine/internal/config"
	"github.com/atmx/trade-engine/internal/execution"
	"github.com/atmx/trade-engine/internal/feature"
	"github.com/atmx/trade-engine/internal/feed"
	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/ops"
	"github.com/atmx/trade-engine/internal/orchestrator"
	"github.com/atmx/trade-engine/internal/position"
	"github.com/atmx/trade-engine/internal/risk"
	"github.com/atmx/trade-engine/internal/scoring"
	"github.com/atmx/trade-engine/internal/sizing"
	"github.com/atmx/trade-engine/internal/store"
	"github.com/atmx/trade-engine/internal/strategy"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Ledger ---
	var ledger store.Ledger
	var cleanup []func()

	if dbURL := cfg.Store.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		ledger = store.NewPostgresLedger(pool)
		slog.Info("connected to PostgreSQL")

		if redisURL := cfg.Store.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			ledger = store.NewCachedLedger(ledger, rdb, 24*time.Hour)
			slog.Info("Redis ledger cache enabled")
		}
	} else {
		slog.Warn("database_url not set, using in-memory ledger (audit trail will not persist)")
		ledger = store.NewMemoryLedger()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Event bus ---
	b := bus.New(256)
	b.Subscribe(store.Recorder(ledger))

	// --- Feature estimators ---
	priceTick, err := decimal.NewFromString(cfg.Feature.PriceTick)
	if err != nil {
		slog.Error("invalid feature.price_tick", "err", err)
		os.Exit(1)
	}
	vol := feature.NewVolatilityEstimator(cfg.Feature.VolWindows, feature.ThresholdClassifier{})
	flow := feature.NewFootprintAnalyzer(cfg.Feature.BarSize, priceTick, cfg.Feature.DivergenceLookback)
	trend := feature.NewTimeframeAggregator(parseTimeframes(cfg.Feature.Timeframes), cfg.Feature.TrendLookback)

	// --- Positions ---
	startingCash, err := decimal.NewFromString(cfg.Engine.StartingCash)
	if err != nil {
		slog.Error("invalid engine.starting_cash", "err", err)
		os.Exit(1)
	}
	tracker := position.NewTracker(startingCash, b)

	// --- Market data ---
	md := feed.New(cfg.Feed, flow, vol, trend, tracker)
	snapshots := feature.NewSnapshotter(vol, flow, trend, md)

	// --- Strategies ---
	registry := strategy.NewRegistry()
	registry.Register(strategy.NewMomentum())
	registry.Register(strategy.NewMeanReversion())
	registry.Register(strategy.NewBreakout())
	registry.Seal()

	// --- Risk controls ---
	br := breaker.New(cfg.Breaker, b)
	b.Subscribe(func(ev bus.Event) {
		if ev.ClosedTrade != nil {
			br.OnTradeClosed(*ev.ClosedTrade)
		}
	})
	limiter := risk.NewExposureLimiter(cfg.Sizing.MaxRiskPerTradePct, cfg.Sizing.MaxTotalRiskPct)

	// --- Pipeline ---
	scorer := scoring.New(cfg.Scoring)
	sizer, err := sizing.New(cfg.Sizing)
	if err != nil {
		slog.Error("sizer init failed", "err", err)
		os.Exit(1)
	}

	if !cfg.Engine.DryRun {
		slog.Warn("live gateway not configured, falling back to paper execution")
	}
	gw := execution.NewPaperGateway(md)
	exec := execution.New(cfg.Execution, gw, md, tracker, br, b)

	orch := orchestrator.New(cfg.Engine, registry, snapshots, scorer, sizer, br, limiter, tracker, exec, b)
	tracker.SetCloseRequester(orch)

	// --- HTTP router ---
	opsSvc := ops.NewService(tracker, br, ledger, orch, cfg.Engine.Symbols)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", opsSvc.Routes)

	srv := &http.Server{
		Addr:         ":" + cfg.Ops.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Run ---
	go b.Run(ctx)
	go md.Run(ctx)
	go orch.Run(ctx)

	go func() {
		slog.Info("trade-engine listening", "port", cfg.Ops.Port,
			"symbols", cfg.Engine.Symbols, "dry_run", cfg.Engine.DryRun)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down trade-engine...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}

// parseTimeframes maps config strings (1m, 5m, 1h, 1d) to durations,
// skipping anything unparseable.
func parseTimeframes(names []string) []time.Duration {
	var out []time.Duration
	for _, name := range names {
		if name == "1d" {
			out = append(out, 24*time.Hour)
			continue
		}
		d, err := time.ParseDuration(name)
		if err != nil || d <= 0 {
			slog.Warn("skipping invalid timeframe", "timeframe", name)
			continue
		}
		out = append(out, d)
	}
	return out
}
