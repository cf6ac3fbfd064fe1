package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"payflow/internal/cache"
	"payflow/internal/cli"
	"payflow/internal/config"
	"payflow/internal/core"
	apphttp "payflow/internal/http"
	"payflow/internal/identity"
	"payflow/internal/log"
	"payflow/internal/metrics"
	"payflow/internal/middleware/ratelimit"
	"payflow/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	cfg, err := cli.LoadAndValidateConfig()
	if err != nil {
		cli.Fatal(nil, "Configuration validation failed", err)
	}
	logger := cli.SetupLogger(cfg.LogLevel, nil)

	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		cli.Fatal(logger, "Server error", err, "port", cfg.Port)
	}
	logger.Info("Server stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	reg := metrics.New()

	peer, err := cli.OpenPeer(ctx, cfg, cli.PeerOptions{Metrics: reg}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := peer.Close(); err != nil {
			logger.Error("Cleanup failed", log.FieldError, err)
		}
	}()

	// The primary listener starts the initial load.
	unsubscribe := peer.Store.Subscribe(func(doc core.Document) {
		logger.Debug("Document updated",
			log.FieldCycle, doc.LastResetCycle,
			log.FieldItemCount, len(doc.Items),
			log.FieldCompletedCount, len(doc.CompletedIDs))
	})
	defer unsubscribe()

	caches := cache.NewManager(logger.WithComponent(log.ComponentCache))
	adviceSvc := cli.NewAdviceService(ctx, cfg, caches, logger.WithComponent(log.ComponentAdvice))
	caches.StartCleanup(10 * time.Minute)
	defer caches.Stop()

	deps := apphttp.Deps{
		Store:        peer.Store,
		Advice:       adviceSvc,
		History:      peer.Backend.Recorder,
		Metrics:      reg,
		BusConnected: peer.Backend.BusConnected,
		RateLimit:    ratelimit.Config{RequestsPerMinute: cfg.RateLimitRPM},
		Logger:       logger.WithComponent(log.ComponentHTTP),
	}
	idSvc, err := identity.NewService(ctx, identity.Config{
		ClientID:    cfg.GoogleClientID,
		DemoEnabled: cfg.DemoLoginEnabled,
	}, nil, logger.WithComponent(log.ComponentIdentity))
	if err != nil {
		logger.Warn("Sign-in unavailable", log.FieldError, err)
	} else {
		deps.Identity = idSvc
	}

	srv := apphttp.NewServer(":"+cfg.Port, deps)
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting payflow server",
			"port", cfg.Port,
			"backend", cfg.DataBackend,
			"sync_bus", cfg.SyncBus)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		return nil
	})

	if peer.Backend.Run != nil {
		g.Go(func() error {
			// A dead consumer degrades this peer to local-only operation.
			if err := peer.Backend.Run(gctx); err != nil && gctx.Err() == nil {
				logger.Error("Sync bus consumer stopped", log.FieldError, err)
			}
			return nil
		})
	}

	watcher := worker.NewCycleWatcher(peer.Store, cfg.CycleCheckInterval, logger.WithComponent(log.ComponentWorker))
	g.Go(func() error {
		select {
		case <-peer.Store.Ready():
		case <-gctx.Done():
			return nil
		}
		return watcher.Run(gctx)
	})

	if peer.Backend.Recorder.Exporting() {
		exporter := worker.NewExportWorker(peer.Backend.Recorder, cfg.ExportInterval, cfg.ExportBatchSize, logger.WithComponent(log.ComponentWorker))
		g.Go(func() error {
			return exporter.Run(gctx)
		})
	}

	return g.Wait()
}
