package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"listing_bot/internal/batcher"
	"listing_bot/internal/bot"
	"listing_bot/internal/cleanup"
	"listing_bot/internal/config"
	"listing_bot/internal/dedup"
	"listing_bot/internal/fetcher"
	"listing_bot/internal/metrics"
	"listing_bot/internal/notifier"
	"listing_bot/internal/scheduler"
	"listing_bot/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	api, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		log.Error("create bot api", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := notifier.DefaultOptions()
	opts.Rate = cfg.SendRate
	tg := notifier.NewTelegram(api, opts, log)

	policy, err := dedup.ParsePolicy(cfg.FirstRunPolicy)
	if err != nil {
		log.Error("parse first run policy", "error", err)
		os.Exit(1)
	}

	f := fetcher.New(&http.Client{Timeout: 30 * time.Second})
	d := dedup.New(store, nil)

	schedOpts := scheduler.Options{
		TickInterval:           cfg.TickInterval,
		CycleTimeout:           cfg.CycleTimeout,
		Workers:                cfg.Workers,
		MaxListings:            cfg.MaxListings,
		Limits:                 batcher.Limits{MaxItems: cfg.MaxItemsPerBatch, MaxChars: cfg.MaxBatchChars},
		BatchPause:             cfg.BatchPause,
		FirstRun:               policy,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		FetchRetry:             fetcher.RetryPolicy(cfg.FetchRetryAttempts),
		DeliveryRetry:          notifier.RetryPolicy(cfg.DeliveryRetryAttempts, cfg.DeliveryRetryBase),
	}

	var wg sync.WaitGroup
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		schedOpts.Metrics = metrics.NewCollector(reg)

		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveMetrics(ctx, srv, log)
		}()
	}

	sched := scheduler.New(store, f, tg, d, schedOpts, log)

	job := cleanup.New(store, cfg.SeenRetention, cfg.EventRetention, nil, log)
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(cfg.CleanupSchedule, func() { job.Run(ctx) }); err != nil {
		log.Error("schedule cleanup", "schedule", cfg.CleanupSchedule, "error", err)
		os.Exit(1)
	}
	c.Start()

	b := bot.New(api, store, cfg, f, sched, log)

	log.Info("starting bot",
		"username", api.Self.UserName,
		"workers", cfg.Workers,
		"tick", cfg.TickInterval,
		"first_run_policy", cfg.FirstRunPolicy,
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	b.Run(ctx)

	<-c.Stop().Done()
	wg.Wait()

	log.Info("bot stopped")
}

func serveMetrics(ctx context.Context, srv *http.Server, log *slog.Logger) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
