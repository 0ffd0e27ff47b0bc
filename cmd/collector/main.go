package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"safetradelab/collector/configs"
	"safetradelab/collector/internal/binance"
	"safetradelab/collector/internal/clock"
	"safetradelab/collector/internal/collector"
	"safetradelab/collector/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := configs.AppLoad()
	if err != nil {
		logger.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	interval, err := clock.ParseInterval(cfg.Interval)
	if err != nil {
		logger.WithField("interval", cfg.Interval).Error("unsupported candle interval")
		os.Exit(1)
	}

	store, err := storage.NewGormStore(cfg.DBDSN)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer store.Close()

	// No point running with no store.
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.WithError(err).Error("database unreachable")
		os.Exit(1)
	}

	logger.WithFields(logrus.Fields{
		"symbols":          strings.Join(cfg.Symbols, ","),
		"interval":         cfg.Interval,
		"update_frequency": cfg.UpdateFrequencyMinutes,
		"max_lookback":     cfg.MaxLookbackDays,
	}).Info("data collector starting")

	svc := collector.New(
		collector.Config{
			Symbols:         cfg.Symbols,
			Timeframe:       cfg.Interval,
			Interval:        interval,
			MaxLookbackDays: cfg.MaxLookbackDays,
		},
		binance.NewClient(logger),
		binance.NewStream(logger),
		store,
		clock.NewNormalizer(cfg.StorageOffsetHours),
		logger,
	)

	// Run with graceful shutdown: every symbol pipeline observes the signal
	// and in-flight store writes drain before exit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.WithError(err).Error("collector stopped with error")
		os.Exit(1)
	}

	logger.Info("collector shutdown complete")
}
