package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/italolelis/seedbox_mirror/internal/config"
	"github.com/italolelis/seedbox_mirror/internal/dc/deluge"
	"github.com/italolelis/seedbox_mirror/internal/dc/transmission"
	"github.com/italolelis/seedbox_mirror/internal/http/status"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/mirror"
	"github.com/italolelis/seedbox_mirror/internal/notifier"
	"github.com/italolelis/seedbox_mirror/internal/retention"
	"github.com/italolelis/seedbox_mirror/internal/storage/sqlite"
	"github.com/italolelis/seedbox_mirror/internal/syncer"
	"github.com/italolelis/seedbox_mirror/internal/telemetry"
	"github.com/italolelis/seedbox_mirror/internal/torrent"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("seedbox mirror starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "seedbox_mirror",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewInstrumentedRecordRepository(database, tel)

	// =========================================================================
	// Start Torrent Client
	client, err := buildTorrentClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to build torrent client: %w", err)
	}

	instrumented := torrent.NewInstrumentedClient(client, tel, cfg.TorrentClient)

	// =========================================================================
	// Start Sync Engine
	copier := mirror.NewCopier(cfg.DestDir, store,
		mirror.WithChecksum(cfg.VerifyChecksum),
		mirror.WithRequireMount(cfg.RequireMount),
		mirror.WithCheckpointBytes(cfg.CheckpointBytes),
		mirror.WithTelemetry(tel),
	)

	reaper := retention.NewReaper(retention.Config{
		Window:     cfg.RetentionWindow,
		DeleteData: cfg.DeleteLocalData,
		DryRun:     cfg.DryRun,
	}, instrumented, store, copier, tel)

	orchestrator := syncer.NewOrchestrator(syncer.Config{
		Label:       cfg.Label,
		ClientDir:   cfg.ClientDir,
		SourceDir:   cfg.SourceDir,
		MaxParallel: cfg.MaxParallel,
	}, instrumented, store, copier, reaper, notifier.New(cfg.DiscordWebhookURL), tel)

	if cfg.Once {
		report, err := orchestrator.RunCycle(ctx)
		if report != nil {
			logger.Info("cycle finished",
				"cycle_id", report.ID,
				"synced", report.Synced,
				"failed", report.Failed,
				"reaped", report.Reaped,
			)
		}

		return err
	}

	scheduler := syncer.NewScheduler(orchestrator, cfg.CycleInterval)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, status.NewHandler(store, orchestrator, scheduler, tel))

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info("mirroring downloads...",
		"torrent_client", cfg.TorrentClient,
		"label", cfg.Label,
		"dest_dir", cfg.DestDir,
		"cycle_interval", cfg.CycleInterval.String(),
		"retention", cfg.RetentionWindow.String(),
		"dry_run", cfg.DryRun,
	)

	select {
	case err := <-serverErrors:
		stopScheduler(ctx, scheduler, cfg)

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests and the running cycle a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		stopScheduler(shutdownCtx, scheduler, cfg)

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}

func stopScheduler(ctx context.Context, scheduler *syncer.Scheduler, cfg *config.Config) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()
	}

	if err := scheduler.Stop(ctx); err != nil {
		logctx.LoggerFromContext(ctx).Error("sync cycle did not finish before shutdown", "err", err)
	}
}

// This is an abstract factory for the torrent client.
func buildTorrentClient(cfg *config.Config) (torrent.Client, error) {
	switch cfg.TorrentClient {
	case config.ClientTransmission:
		return transmission.NewClient(cfg.TransmissionURL, cfg.TransmissionUsername, cfg.TransmissionPassword), nil
	case config.ClientDeluge:
		return deluge.NewClient(cfg.DelugeBaseURL, cfg.DelugeAPIURLPath, cfg.DelugePassword, cfg.DelugeInsecure), nil
	}

	return nil, fmt.Errorf("invalid torrent client: %s", cfg.TorrentClient)
}

// setupServer prepares the handlers to create the http status server.
func setupServer(ctx context.Context, cfg *config.Config, handler *status.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      handler.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
