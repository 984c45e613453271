package commands

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blikh/ts-activity-tracker/internal/analytics"
	"github.com/blikh/ts-activity-tracker/internal/config"
	"github.com/blikh/ts-activity-tracker/internal/metrics"
	"github.com/blikh/ts-activity-tracker/internal/poller"
	"github.com/blikh/ts-activity-tracker/internal/storage"
	"github.com/blikh/ts-activity-tracker/internal/tsquery"
)

// metricsRefreshEvery bounds how often the analytics-backed gauges are
// recomputed; a full refresh walks the sample window.
const metricsRefreshEvery = time.Minute

func Run(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "configs/tracker.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: cfg.ParseLogLevel()}))
	logger.Info("starting ts-activity-tracker",
		"backend", cfg.Database.Backend,
		"interval", cfg.Polling.IntervalSeconds)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open storage", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	engine := analytics.New(store, cfg.Polling.IntervalSeconds, logger)
	collector := metrics.NewCollector(engine, store, logger)

	if obs := cfg.Observability; obs.Addr != "" {
		mux := http.NewServeMux()
		if obs.Pprof {
			// net/http/pprof registers on DefaultServeMux; expose it
			// through ours.
			mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		}
		if obs.Metrics {
			mux.Handle("/metrics", promhttp.Handler())
		}
		go func() {
			logger.Info("starting observability server", "addr", obs.Addr, "pprof", obs.Pprof, "metrics", obs.Metrics)
			if err := http.ListenAndServe(obs.Addr, mux); err != nil {
				logger.Error("observability server failed", "err", err)
			}
		}()
		if obs.Metrics {
			go func() {
				collector.Refresh(ctx)
				ticker := time.NewTicker(metricsRefreshEvery)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						collector.Refresh(ctx)
					}
				}
			}()
		}
	}

	client := func() poller.StateClient {
		return tsquery.New(cfg.Server, logger)
	}
	p := poller.New(store, client, poller.Config{
		Interval:               time.Duration(cfg.Polling.IntervalSeconds) * time.Second,
		MaxRetries:             cfg.Polling.MaxRetries,
		BackoffBase:            float64(cfg.Polling.RetryBackoffBase),
		MaxConsecutiveFailures: cfg.Polling.MaxConsecutiveFailures,
		RetentionDays:          cfg.Database.RetentionDays,
	}, clockwork.NewRealClock(), logger)

	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("poller error", "err", err)
		os.Exit(1)
	}
	logger.Info("shut down cleanly")
}
