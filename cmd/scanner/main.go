package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/sellerscan/config"
	"github.com/alejandrodnm/sellerscan/internal/adapters/keepa"
	"github.com/alejandrodnm/sellerscan/internal/adapters/notify"
	"github.com/alejandrodnm/sellerscan/internal/adapters/spapi"
	"github.com/alejandrodnm/sellerscan/internal/adapters/storage"
	"github.com/alejandrodnm/sellerscan/internal/refresher"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("sellerscan starting",
		"config", *configPath,
		"wide_interval", cfg.WideInterval(),
		"narrow_interval", cfg.NarrowInterval(),
		"marketplace", cfg.Marketplace.MarketplaceID,
	)

	store, err := storage.New(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	cutoff := time.Now().AddDate(0, 0, -cfg.Storage.CallLogRetentionDays)
	if pruned, err := store.PruneAPICalls(context.Background(), cutoff); err != nil {
		slog.Warn("failed to prune api call log", "err", err)
	} else if pruned > 0 {
		slog.Info("pruned api call log", "rows", pruned)
	}

	logger := slog.Default()

	market := keepa.New(cfg.API.MarketBase, cfg.API.MarketKey,
		cfg.Marketplace.DomainID, store, logger)

	signed := spapi.NewClient(cfg.API.FeesBase, cfg.API.AuthBase, spapi.Credentials{
		ClientID:     cfg.API.ClientID,
		ClientSecret: cfg.API.ClientSecret,
		RefreshToken: cfg.API.RefreshToken,
		AccessKey:    cfg.API.AccessKey,
		SecretKey:    cfg.API.SecretKey,
		Region:       cfg.API.Region,
	}, store, logger)
	fees := spapi.NewFeeClient(signed, cfg.Marketplace.MarketplaceID,
		cfg.API.SellerID, cfg.Marketplace.Currency, cfg.FeeCacheTTL(), logger)

	notifier := notify.NewConsole(os.Stdout, cfg.Refresh.UrgentScoreThreshold)

	sched := refresher.New(store, market, fees, notifier,
		func() *config.Config { return cfg }, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched.Start()
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("scheduler exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("sellerscan stopped cleanly")
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
