package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openlakehouse/mart-dispatcher/internal/config"
	"github.com/openlakehouse/mart-dispatcher/internal/coordinator"
	"github.com/openlakehouse/mart-dispatcher/internal/ledger"
	"github.com/openlakehouse/mart-dispatcher/internal/logging"
	"github.com/openlakehouse/mart-dispatcher/internal/metrics"
	"github.com/openlakehouse/mart-dispatcher/internal/platform"
	"github.com/openlakehouse/mart-dispatcher/internal/scanner"
	"github.com/openlakehouse/mart-dispatcher/internal/watermark"
)

// Set via -ldflags at build time.
var (
	Version = "dev"
	GitSHA  = "unknown"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	slog.Info("mart dispatcher starting", "version", Version, "sha", GitSHA)

	pairs, err := config.LoadPairs(cfg.PairsFile)
	if err != nil {
		log.Fatalf("[main] failed to load pairs: %v", err)
	}

	if cfg.Metrics.Enabled {
		metrics.Init("mart_dispatcher")
		go func() {
			slog.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	sc, err := scanner.New(scanner.Config{
		Backend:    cfg.Source.Backend,
		LocalDir:   cfg.Source.LocalDir,
		GCSBucket:  cfg.Source.GCSBucket,
		S3Bucket:   cfg.Source.S3Bucket,
		S3Endpoint: cfg.Source.S3Endpoint,
		S3Region:   cfg.Source.S3Region,
		Prefix:     cfg.Source.Prefix,
	})
	if err != nil {
		log.Fatalf("[main] failed to create scanner: %v", err)
	}
	defer sc.Close()

	store, err := watermark.NewStore(watermark.Config{
		Backend:     cfg.State.Backend,
		Dir:         cfg.State.Dir,
		PostgresDSN: cfg.State.PostgresDSN,
	})
	if err != nil {
		log.Fatalf("[main] failed to create watermark store: %v", err)
	}
	defer store.Close()

	runs, err := ledger.New(ledger.Config{
		Backend:     cfg.State.Backend,
		Dir:         cfg.State.Dir,
		PostgresDSN: cfg.State.PostgresDSN,
	})
	if err != nil {
		log.Fatalf("[main] failed to create run ledger: %v", err)
	}
	defer runs.Close()

	engineCfg := coordinator.Config{
		MaxBatchSize:   cfg.Engine.MaxBatchSize,
		MaxAttempts:    cfg.Engine.MaxAttempts,
		RetryBaseDelay: cfg.Engine.RetryBaseDelay,
		RetryMaxDelay:  cfg.Engine.RetryMaxDelay,
		PollInterval:   cfg.Engine.PollInterval,
	}

	var coordinators []*coordinator.Coordinator
	var adapters []platform.Adapter
	for _, pair := range pairs {
		adapter, err := platform.New(pair.PlatformConfig())
		if err != nil {
			log.Fatalf("[main] failed to create adapter for %s/%s: %v", pair.Table, pair.Platform, err)
		}
		adapters = append(adapters, adapter)
		coordinators = append(coordinators,
			coordinator.New(pair.Table, pair.Platform, sc, store, runs, adapter, pair.Target, engineCfg))
	}
	defer func() {
		for _, a := range adapters {
			a.Close()
		}
	}()

	fleet := coordinator.NewFleet(coordinators, cfg.Engine.TickInterval)
	if err := fleet.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("[main] fleet failed: %v", err)
	}

	slog.Info("mart dispatcher stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}
