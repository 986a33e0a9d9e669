package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coretrusts/amdb/pkg/config"
	"github.com/coretrusts/amdb/pkg/metrics"
	"github.com/coretrusts/amdb/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	collector := metrics.NewAtomic()
	db, err := store.New(cfg, store.WithMetrics(collector))
	if err != nil {
		slog.Error("failed to open store", "data_dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("amdb ready", "data_dir", cfg.DataDir)
	<-ctx.Done()

	slog.Info("shutting down",
		"puts", collector.Counter("store_puts"),
		"deletes", collector.Counter("store_deletes"),
		"flush_passes", collector.Counter("store_flush_passes"),
	)
	if err := db.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
		os.Exit(1)
	}
}
