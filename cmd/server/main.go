package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quantfeed/optionsflow/internal/config"
	"github.com/quantfeed/optionsflow/internal/flow"
	"github.com/quantfeed/optionsflow/internal/gex"
	"github.com/quantfeed/optionsflow/internal/ingest"
	"github.com/quantfeed/optionsflow/internal/massive"
	"github.com/quantfeed/optionsflow/internal/metrics"
	"github.com/quantfeed/optionsflow/internal/query"
	"github.com/quantfeed/optionsflow/internal/scanner"
	"github.com/quantfeed/optionsflow/internal/server"
	"github.com/quantfeed/optionsflow/internal/spot"
	"github.com/quantfeed/optionsflow/internal/store"
	"github.com/quantfeed/optionsflow/internal/stream"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.WithFields(logrus.Fields{
		"mode":    cfg.Environment.Mode,
		"port":    cfg.Server.Port,
		"tickers": cfg.Ingest.Tickers,
	}).Info("starting options-flow service")

	m := metrics.New()
	vendor := massive.NewClient(cfg.Vendor.APIKey, cfg.Vendor.BaseURL, logger, m)
	oracle := spot.NewOracle(vendor, logger)
	enricher := flow.NewEnricher(oracle, logger, m)
	tradeStore := store.New(m)

	broadcaster := stream.NewBroadcaster(logger, m)
	hub := stream.NewHub(broadcaster, cfg.AllowedOrigins(), logger)

	status := ingest.NewStatusCache(vendor, logger)
	backfiller := ingest.NewBackfiller(vendor, enricher, tradeStore, cfg.Ingest.Tickers, broadcaster.Publish, logger, m)
	session := ingest.NewWSSession(cfg.Vendor.WSURL, cfg.Vendor.APIKey, cfg.Ingest.Tickers,
		enricher, tradeStore, status, broadcaster.Publish, logger, m)

	gexEngine := gex.New(vendor, logger)

	srv := server.New(cfg, server.Deps{
		Store:      tradeStore,
		Queries:    query.New(tradeStore, backfiller.FetchTicker),
		Backfiller: backfiller,
		Status:     status,
		GEX:        gexEngine,
		Scanner:    scanner.New(vendor, gexEngine, logger),
		Vendor:     vendor,
		Hub:        hub,
		Metrics:    m,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error { return backfiller.Run(gctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.WithError(err).Fatal("service exited")
	}
	logger.Info("shutdown complete")
}
