package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chartfeed/internal/binance"
	"chartfeed/internal/cache"
	chstore "chartfeed/internal/cache/clickhouse"
	"chartfeed/internal/cache/migrations"
	pgstore "chartfeed/internal/cache/postgres"
	"chartfeed/internal/config"
	"chartfeed/internal/history"
	"chartfeed/internal/market"
	"chartfeed/internal/observability"
	"chartfeed/internal/realtime"
	"chartfeed/internal/timeframe"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.MetricsAddr != "" {
		go serveMetrics(logger, cfg.MetricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
		select {
		case <-sigCh:
			logger.Warn("second signal, forcing exit")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warn("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, logger, cfg)
	close(done)
	if err != nil && err != context.Canceled {
		logger.Fatal("chartfeed failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, logger *zap.Logger, cfg *config.Config) error {
	durable, cleanup, err := openDurable(ctx, cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	memory := cache.NewMemory(cfg.CacheTTL)

	loader, err := history.NewLoader(history.Options{
		Source:            binance.NewClient(cfg.RESTBase),
		Symbol:            cfg.Symbol,
		Cache:             memory,
		Logger:            logger.Named("history"),
		RequestsPerMinute: cfg.RequestsPerMinute,
		OnError: func(err error) {
			logger.Warn("historical load error", zap.Error(err))
		},
	})
	if err != nil {
		return err
	}

	frames, err := timeframe.NewManager(timeframe.Options{
		Symbol:          cfg.Symbol,
		Active:          cfg.ActiveInterval(),
		Enabled:         cfg.EnabledIntervals(),
		MaxSeriesLength: cfg.MaxSeriesLength,
		Memory:          memory,
		Durable:         durable,
		Logger:          logger.Named("timeframe"),
	})
	if err != nil {
		return err
	}

	manager, err := realtime.New(realtime.Options{
		Symbol:       cfg.Symbol,
		Loader:       loader,
		Timeframes:   frames,
		Logger:       logger.Named("realtime"),
		StreamBase:   cfg.StreamBase,
		HistoryDepth: cfg.HistoryDepth,
		Debounce:     cfg.Debounce,
		WithTrades:   cfg.WithTrades,
		WithDepth:    cfg.WithDepth,
		WithTicker:   cfg.WithTicker,
		Callbacks: realtime.Callbacks{
			OnDataReady: func(series market.Series) {
				logger.Info("series ready", zap.Int("candles", series.Len()))
			},
			OnDataUpdate: func(series market.Series) {
				if last, ok := series.Last(); ok {
					logger.Debug("series updated",
						zap.Int64("open_time", last.OpenTime),
						zap.Float64("close", last.Close))
				}
			},
			OnTimeframeChange: func(from, to market.Interval) {
				logger.Info("timeframe changed",
					zap.String("from", string(from)), zap.String("to", string(to)))
			},
			OnError: func(err error) {
				logger.Warn("feed error", zap.Error(err))
			},
			OnStatusChange: func(st realtime.Status) {
				logger.Debug("status",
					zap.Bool("connected", st.IsConnected),
					zap.Bool("loading", st.IsLoading),
					zap.String("state", st.ConnectionState.String()))
			},
		},
	})
	if err != nil {
		return err
	}

	if err := manager.Initialize(ctx); err != nil {
		return err
	}
	defer manager.Destroy()

	logger.Info("chartfeed running",
		zap.String("symbol", cfg.Symbol),
		zap.String("interval", cfg.Interval))

	<-ctx.Done()

	if durable != nil {
		snapCtx, snapCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer snapCancel()
		if err := frames.SaveSnapshot(snapCtx, frames.Active()); err != nil {
			logger.Warn("snapshot on shutdown failed", zap.Error(err))
		}
	}
	return ctx.Err()
}

// openDurable connects the configured durable tier and applies its
// migrations. Returns nil when no DSN is configured.
func openDurable(ctx context.Context, cfg *config.Config) (cache.Durable, func(), error) {
	switch {
	case cfg.PostgresDSN != "":
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		return pgstore.NewCandleCache(pool), pool.Close, nil

	case cfg.ClickhouseDSN != "":
		conn, err := chstore.NewConn(ctx, cfg.ClickhouseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		return chstore.NewCandleCache(conn), func() { conn.Close() }, nil
	}
	return nil, nil, nil
}

func serveMetrics(logger *zap.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	logger.Info("metrics server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
