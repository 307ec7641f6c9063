package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/papertrade/risk-engine/internal/api"
	"github.com/papertrade/risk-engine/internal/events"
	"github.com/papertrade/risk-engine/internal/execution"
	"github.com/papertrade/risk-engine/internal/feed"
	"github.com/papertrade/risk-engine/internal/instrument"
	"github.com/papertrade/risk-engine/internal/journal"
	"github.com/papertrade/risk-engine/internal/ledger"
	"github.com/papertrade/risk-engine/internal/limits"
	"github.com/papertrade/risk-engine/internal/liquidation"
	"github.com/papertrade/risk-engine/internal/margin"
	"github.com/papertrade/risk-engine/internal/metrics"
	"github.com/papertrade/risk-engine/internal/mtm"
	"github.com/papertrade/risk-engine/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, execution sweep and MTM engine",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	cfg := b.cfg

	// --- Instruments ---
	insts, err := cfg.InstrumentList()
	if err != nil {
		return err
	}
	registry, err := instrument.NewRegistry(insts...)
	if err != nil {
		return err
	}

	// --- Ledger and journal ---
	bus := events.NewBus()
	accounts := ledger.NewAccountCache(b.store)
	led := ledger.New(b.store, accounts, slog.Default()).WithBus(bus)
	wal := journal.New(b.store, slog.Default())
	if pending, err := wal.ListPending(ctx); err != nil {
		return fmt.Errorf("list pending journal records: %w", err)
	} else if len(pending) > 0 {
		slog.Warn("prepared journal records found; they resume on the next execution attempt", "count", len(pending))
	}

	// --- Price feed ---
	var tickFeed feed.Feed
	if b.redis != nil {
		tickFeed = feed.NewRedisFeed(ctx, b.redis, 4096, slog.Default())
	} else {
		slog.Warn("REDIS_URL not set, price feed is in-memory and receives no ticks")
		tickFeed = feed.NewMemoryFeed(4096)
	}
	defer tickFeed.Close()

	// --- MTM engine ---
	calc := margin.NewStandard()
	engine := mtm.New(b.store, led, registry, calc, tickFeed, bus, mtm.Options{
		MaxTickAge:       cfg.MTM.MaxTickAge,
		FlushInterval:    cfg.MTM.FlushInterval,
		MaintenanceRatio: decimal.RequireFromString(cfg.MTM.MaintenanceRatio),
		Evaluator:        liquidation.LogEvaluator{Logger: slog.Default()},
		Logger:           slog.Default(),
	})
	if err := engine.Initialize(ctx); err != nil {
		return fmt.Errorf("mtm initialize: %w", err)
	}

	// --- Execution ---
	exec := execution.NewService(execution.Config{
		Store:       b.store,
		Ledger:      led,
		Journal:     wal,
		Instruments: registry,
		Margin:      calc,
		Filler:      execution.LastPriceFiller{Prices: engine},
		Prices:      engine,
		Gate:        execution.NewGate(cfg.TradingEnabled),
		Bus:         bus,
		Refresher:   engine,
		FeeBps:      cfg.FeeBps,
		Logger:      slog.Default(),
	})
	sweeper := execution.NewSweeper(exec, b.store, cfg.Sweep.Interval, cfg.Sweep.Batch, slog.Default())

	// --- WebSocket hub ---
	hub := stream.NewHub(bus)

	engine.Start(ctx)
	go hub.Run(ctx)
	go sweeper.Run(ctx)

	// --- HTTP router ---
	limiter := limits.NewPositionLimiter(cfg.Limits.MaxPerInstrument, cfg.Limits.MaxCorrelated, registry)
	apiSvc := api.NewService(b.store, led, wal, registry, exec, engine).WithLimits(limiter)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"risk-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for engine events. It stays outside the
		// timeout middleware.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			apiSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("risk-engine listening", "port", cfg.Port, "trading_enabled", cfg.TradingEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		slog.Error("server error", "err", err)
		stop()
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down risk-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Error("mtm final flush failed", "err", err)
	}
	slog.Info("risk-engine stopped")
	return nil
}
